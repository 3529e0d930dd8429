// Package overlaynet brings up the per-network VXLAN bridges, NAT
// rules, and DHCP service that make a Network's netblock usable by
// its attached instances.
package overlaynet

import (
	"context"
	"fmt"

	"github.com/nimbusfleet/warren/pkg/exectools"
	"github.com/nimbusfleet/warren/pkg/types"
)

// bridgeName returns the Linux bridge device name for a network,
// stable and short enough for the kernel's IFNAMSIZ limit.
func bridgeName(vxlanID int) string {
	return fmt.Sprintf("br-vxlan%d", vxlanID)
}

func vxlanName(vxlanID int) string {
	return fmt.Sprintf("vxlan%d", vxlanID)
}

// Manager brings up and tears down the network-node-side plumbing for
// networks: VXLAN device, bridge, gateway address, NAT, and DHCP.
type Manager struct {
	egressNIC string
	dhcp      *DHCPServer
}

// New creates a Manager that will attach VXLAN devices to egressNIC
// for floating/NAT traffic.
func New(egressNIC string) *Manager {
	return &Manager{egressNIC: egressNIC, dhcp: NewDHCPServer()}
}

// EnsureNetwork brings up the VXLAN/bridge pair for n if not already
// present, and starts DHCP/NAT service on it per n's flags. This is
// the Go analogue of shakenfist's deploy_network_node operation.
func (m *Manager) EnsureNetwork(ctx context.Context, n *types.Network) error {
	br := bridgeName(n.VxlanID)
	vx := vxlanName(n.VxlanID)

	// The bridge already exists: only make sure DHCP is being served.
	if err := exectools.IP(ctx, "link", "show", br); err == nil {
		if n.ProvideDHCP {
			if err := m.dhcp.Ensure(n); err != nil {
				return fmt.Errorf("ensure dhcp: %w", err)
			}
		}
		return nil
	}

	if err := exectools.IP(ctx, "link", "add", vx, "type", "vxlan", "id", fmt.Sprintf("%d", n.VxlanID),
		"dstport", "4789", "dev", m.egressNIC); err != nil {
		return fmt.Errorf("create vxlan device: %w", err)
	}

	if err := exectools.IP(ctx, "link", "add", br, "type", "bridge"); err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	if err := exectools.IP(ctx, "link", "set", vx, "master", br); err != nil {
		return fmt.Errorf("attach vxlan to bridge: %w", err)
	}

	if err := exectools.IP(ctx, "link", "set", br, "up"); err != nil {
		return fmt.Errorf("bring up bridge: %w", err)
	}
	if err := exectools.IP(ctx, "link", "set", vx, "up"); err != nil {
		return fmt.Errorf("bring up vxlan: %w", err)
	}

	if n.ProvideNAT {
		if err := m.ensureNAT(ctx, n, br); err != nil {
			return err
		}
	}

	if n.ProvideDHCP {
		if err := m.dhcp.Ensure(n); err != nil {
			return fmt.Errorf("ensure dhcp: %w", err)
		}
	}

	return nil
}

func (m *Manager) ensureNAT(ctx context.Context, n *types.Network, br string) error {
	if err := exectools.IPTables(ctx, "-t", "nat", "-A", "POSTROUTING",
		"-s", n.Netblock, "-o", m.egressNIC, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("masquerade rule: %w", err)
	}
	if err := exectools.IPTables(ctx, "-A", "FORWARD", "-i", br, "-o", m.egressNIC, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("forward out rule: %w", err)
	}
	if err := exectools.IPTables(ctx, "-A", "FORWARD", "-i", m.egressNIC, "-o", br,
		"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("forward in rule: %w", err)
	}
	return nil
}

// UpdateDHCP refreshes the lease list the DHCP server hands out for n.
// It is called when an instance's interfaces are provisioned, when a
// node restores its instances, and from PUT /update_dhcp; deleting or
// floating an interface does not call it.
func (m *Manager) UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error {
	if !n.ProvideDHCP {
		return nil
	}
	return m.dhcp.UpdateLeases(n.UUID, interfaces)
}

// RemoveDHCP stops serving DHCP for networkUUID, used when a network
// is deleted or its provide_dhcp flag is cleared.
func (m *Manager) RemoveDHCP(networkUUID string) error {
	return m.dhcp.Remove(networkUUID)
}
