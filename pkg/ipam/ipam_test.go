package ipam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerRejectsInvalidCIDR(t *testing.T) {
	_, err := NewManager("net-1", "not-a-cidr")
	require.Error(t, err)
}

func TestGetRandomFreeAddressSkipsReservedAndInUse(t *testing.T) {
	m, err := NewManager("net-1", "192.168.1.0/29")
	require.NoError(t, err)

	first, err := GetRandomFreeAddress(m)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.3", first)

	second, err := GetRandomFreeAddress(m)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGetRandomFreeAddressExhausted(t *testing.T) {
	m, err := NewManager("net-1", "192.168.1.0/30")
	require.NoError(t, err)

	_, err = GetRandomFreeAddress(m)
	require.Error(t, err)
}

func TestReserveRejectsOutOfRangeAndDuplicate(t *testing.T) {
	m, err := NewManager("net-1", "10.0.0.0/24")
	require.NoError(t, err)

	require.Error(t, Reserve(m, "10.0.1.5"))
	require.NoError(t, Reserve(m, "10.0.0.5"))
	require.Error(t, Reserve(m, "10.0.0.5"))

	Release(m, "10.0.0.5")
	require.NoError(t, Reserve(m, "10.0.0.5"))
}
