package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNodeLiveWithinLease(t *testing.T) {
	n := &Node{Name: "node-a", LastSeen: time.Now().Add(-5 * time.Second)}
	require.True(t, n.Live(time.Now()))
}

func TestNodeLiveExpiredLease(t *testing.T) {
	n := &Node{Name: "node-a", LastSeen: time.Now().Add(-5 * time.Minute)}
	require.False(t, n.Live(time.Now()))
}

func TestNodeLiveZeroLastSeenIsNotLive(t *testing.T) {
	n := &Node{Name: "node-a"}
	require.False(t, n.Live(time.Now()))
}

func TestLiveNodesFiltersStale(t *testing.T) {
	now := time.Now()
	nodes := []*Node{
		{Name: "fresh", LastSeen: now.Add(-1 * time.Second)},
		{Name: "stale", LastSeen: now.Add(-time.Hour)},
	}

	live := LiveNodes(nodes, now)
	require.Len(t, live, 1)
	require.Equal(t, "fresh", live[0].Name)
}
