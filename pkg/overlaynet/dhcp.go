package overlaynet

import (
	"fmt"
	"net"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/types"
)

// leaseTable maps a MAC address to the IPv4 address reserved for it,
// rebuilt from the coordination store's interface records each time
// Manager.UpdateDHCP is called.
type leaseTable struct {
	mu      sync.RWMutex
	gateway net.IP
	netmask net.IPMask
	leases  map[string]net.IP // MAC -> address
}

func (lt *leaseTable) lookup(mac net.HardwareAddr) (net.IP, bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	ip, ok := lt.leases[mac.String()]
	return ip, ok
}

func (lt *leaseTable) replace(leases map[string]net.IP) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.leases = leases
}

// served represents one running DHCP listener for a single network's
// bridge device.
type served struct {
	srv    *server4.Server
	leases *leaseTable
}

// DHCPServer hands out static, per-MAC leases derived from the
// coordination store's interface records, one listener per bridge
// interface that has provide_dhcp set. It never offers addresses that
// are not already reserved in an IPManager: no DORA negotiation beyond
// acknowledging the reservation that scheduling already made.
type DHCPServer struct {
	mu     sync.Mutex
	byNet  map[string]*served
}

// NewDHCPServer creates a DHCPServer with no listeners running.
func NewDHCPServer() *DHCPServer {
	return &DHCPServer{byNet: map[string]*served{}}
}

// Ensure starts (or leaves running) a DHCP listener on n's bridge
// device, bound to the gateway address derived from n's netblock.
func (d *DHCPServer) Ensure(n *types.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byNet[n.UUID]; ok {
		return nil
	}

	gateway, ipnet, err := net.ParseCIDR(n.Netblock)
	if err != nil {
		return fmt.Errorf("parse netblock %s: %w", n.Netblock, err)
	}

	lt := &leaseTable{gateway: gateway, netmask: ipnet.Mask, leases: map[string]net.IP{}}

	iface := bridgeName(n.VxlanID)
	srv, err := server4.NewServer(iface, nil, d.handlerFor(lt, gateway, ipnet.Mask))
	if err != nil {
		return fmt.Errorf("start dhcp listener on %s: %w", iface, err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.WithComponent("overlaynet").Warn().Err(err).Str("network", n.UUID).Msg("dhcp server stopped")
		}
	}()

	d.byNet[n.UUID] = &served{srv: srv, leases: lt}
	return nil
}

// UpdateLeases replaces the MAC->address lease table for networkUUID
// from the current set of attached interfaces.
func (d *DHCPServer) UpdateLeases(networkUUID string, interfaces []*types.NetworkInterface) error {
	d.mu.Lock()
	s, ok := d.byNet[networkUUID]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	leases := make(map[string]net.IP, len(interfaces))
	for _, iface := range interfaces {
		if iface.MACAddr == "" || iface.IPv4 == "" {
			continue
		}
		leases[iface.MACAddr] = net.ParseIP(iface.IPv4)
	}
	s.leases.replace(leases)
	return nil
}

// Remove stops serving DHCP for networkUUID and releases its listener.
func (d *DHCPServer) Remove(networkUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.byNet[networkUUID]
	if !ok {
		return nil
	}
	delete(d.byNet, networkUUID)
	return s.srv.Close()
}

func (d *DHCPServer) handlerFor(lt *leaseTable, gateway net.IP, mask net.IPMask) server4.Handler {
	return func(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
		ip, ok := lt.lookup(m.ClientHWAddr)
		if !ok {
			// No reservation for this MAC; warren only serves addresses
			// the scheduler already allocated, so stay silent.
			return
		}

		var reply *dhcpv4.DHCPv4
		var err error
		switch m.MessageType() {
		case dhcpv4.MessageTypeDiscover:
			reply, err = dhcpv4.NewReplyFromRequest(m, dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
		case dhcpv4.MessageTypeRequest:
			reply, err = dhcpv4.NewReplyFromRequest(m, dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
		default:
			return
		}
		if err != nil {
			return
		}

		reply.YourIPAddr = ip
		reply.UpdateOption(dhcpv4.OptSubnetMask(mask))
		reply.UpdateOption(dhcpv4.OptRouter(gateway))
		reply.UpdateOption(dhcpv4.OptServerIdentifier(gateway))

		if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
			log.WithComponent("overlaynet").Warn().Err(err).Str("mac", m.ClientHWAddr.String()).Msg("dhcp reply failed")
		}
	}
}
