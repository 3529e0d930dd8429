// Package ipam implements per-network IPv4 address allocation against
// an IPManager record held in the coordination store.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/types"
)

// reservedPrefixSuffix is how many addresses at the start of the block
// are reserved for infrastructure use (network address, gateway, DHCP
// server) and never handed out to instances. The broadcast address at
// the end of the block is not handed out either; the allocation loop
// stops before it.
const reservedPrefixSuffix = 3

// NewManager parses netblock and builds a fresh IPManager for it. An
// invalid CIDR is reported as apierr.KindBadRequest, matching the 400
// a client sees from POST /networks with a malformed netblock.
func NewManager(networkUUID, netblock string) (*types.IPManager, error) {
	_, ipnet, err := net.ParseCIDR(netblock)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBadRequest, fmt.Sprintf("invalid netblock %q", netblock), err)
	}

	return &types.IPManager{
		NetworkUUID:   networkUUID,
		Netblock:      ipnet.String(),
		InUse:         make(map[string]bool),
		ReservedFirst: reservedPrefixSuffix,
	}, nil
}

// Reserve marks address as in use. It fails if address is outside the
// netblock or already reserved.
func Reserve(m *types.IPManager, address string) error {
	_, ipnet, err := net.ParseCIDR(m.Netblock)
	if err != nil {
		return fmt.Errorf("parse netblock %q: %w", m.Netblock, err)
	}

	ip := net.ParseIP(address)
	if ip == nil || !ipnet.Contains(ip) {
		return apierr.New(apierr.KindBadRequest, fmt.Sprintf("address %q is not in netblock %q", address, m.Netblock))
	}

	if m.InUse[address] {
		return apierr.New(apierr.KindConflict, fmt.Sprintf("address %q already in use", address))
	}

	if m.InUse == nil {
		m.InUse = make(map[string]bool)
	}
	m.InUse[address] = true
	return nil
}

// Release frees a previously reserved address.
func Release(m *types.IPManager, address string) {
	delete(m.InUse, address)
}

// GetRandomFreeAddress deterministically scans the netblock from its
// first usable host (after ReservedFirst infrastructure addresses) and
// returns the first address not already marked in use. It also
// reserves the address in m before returning, so the IPManager value
// written back to the store already reflects the allocation.
func GetRandomFreeAddress(m *types.IPManager) (string, error) {
	_, ipnet, err := net.ParseCIDR(m.Netblock)
	if err != nil {
		return "", fmt.Errorf("parse netblock %q: %w", m.Netblock, err)
	}

	first, last := cidr.AddressRange(ipnet)
	firstInt := ipToUint32(first)
	lastInt := ipToUint32(last)

	for i := firstInt + uint32(m.ReservedFirst); i < lastInt; i++ {
		candidate := uint32ToIP(i).String()
		if !m.InUse[candidate] {
			if m.InUse == nil {
				m.InUse = make(map[string]bool)
			}
			m.InUse[candidate] = true
			return candidate, nil
		}
	}

	return "", apierr.New(apierr.KindInsufficientCapacity, fmt.Sprintf("no free address in netblock %q", m.Netblock))
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return binary.BigEndian.Uint32(ip4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
