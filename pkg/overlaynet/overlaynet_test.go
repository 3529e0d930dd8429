package overlaynet

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridgeAndVxlanNames(t *testing.T) {
	assert.Equal(t, "br-vxlan42", bridgeName(42))
	assert.Equal(t, "vxlan42", vxlanName(42))
}

func TestLeaseTableLookupMissAndHit(t *testing.T) {
	lt := &leaseTable{leases: map[string]net.IP{}}

	mac, err := net.ParseMAC("52:54:00:12:34:56")
	assert.NoError(t, err)

	_, ok := lt.lookup(mac)
	assert.False(t, ok)

	lt.replace(map[string]net.IP{mac.String(): net.ParseIP("192.168.1.10")})

	ip, ok := lt.lookup(mac)
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.10", ip.String())
}
