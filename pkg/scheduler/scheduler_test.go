package scheduler

import (
	"testing"

	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(name string, cpu int, ramMB, diskGB int64) *types.Node {
	return &types.Node{Name: name, FreeCPU: cpu, FreeRAMMB: ramMB, FreeDiskGB: diskGB}
}

func TestPlaceChoosesHighestScore(t *testing.T) {
	s := New(1, 1)
	nodes := []*types.Node{
		node("a", 2, 2048, 100),
		node("b", 8, 8192, 100),
	}

	chosen, err := s.Place(Constraints{VCPUs: 1, MemoryMB: 512, DiskGB: 10}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", chosen.Name)
}

func TestPlaceBreaksTiesByFreeRAMThenName(t *testing.T) {
	s := New(1, 1)
	nodes := []*types.Node{
		node("zeta", 4, 4096, 100),
		node("alpha", 4, 4096, 100),
	}

	chosen, err := s.Place(Constraints{VCPUs: 1, MemoryMB: 512, DiskGB: 10}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", chosen.Name)
}

func TestPlaceNoCandidateReturnsCandidateNodeNotFound(t *testing.T) {
	s := New(1, 1)
	nodes := []*types.Node{node("a", 1, 512, 5)}

	_, err := s.Place(Constraints{VCPUs: 4, MemoryMB: 4096, DiskGB: 50}, nodes, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.KindCandidateNodeNotFound, apierr.KindOf(err))
}

func TestPlaceHonorsOvercommitRatios(t *testing.T) {
	s := New(4, 2)
	nodes := []*types.Node{node("a", 2, 1024, 100)}

	chosen, err := s.Place(Constraints{VCPUs: 6, MemoryMB: 1536, DiskGB: 10}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", chosen.Name)
}

func TestPlaceAppliesNetworkAffinityBonus(t *testing.T) {
	s := New(1, 1)
	nodes := []*types.Node{
		node("busy", 8, 8192, 100),
		node("affine", 8, 8192, 100),
	}

	present := func(name string) bool { return name == "affine" }
	chosen, err := s.Place(Constraints{VCPUs: 1, MemoryMB: 512, DiskGB: 10}, nodes, present)
	require.NoError(t, err)
	assert.Equal(t, "affine", chosen.Name)
}
