package resources

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 22000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "test-node",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())
	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPublishCreatesNodeRecordWithResourceSnapshot(t *testing.T) {
	st := newTestStore(t)
	p := New(st, "node-a", "10.0.0.1", t.TempDir())

	require.NoError(t, p.publish())

	n, err := st.GetNode("node-a")
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, "10.0.0.1", n.IP)
	require.Greater(t, n.FreeCPU, 0)
	require.WithinDuration(t, time.Now(), n.LastSeen, 5*time.Second)
}

func TestPublishUpdatesExistingNodeWithoutClobberingIdentity(t *testing.T) {
	st := newTestStore(t)
	p := New(st, "node-a", "10.0.0.1", t.TempDir())
	require.NoError(t, p.publish())

	first, err := st.GetNode("node-a")
	require.NoError(t, err)
	firstSeen := first.LastSeen

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.publish())

	second, err := st.GetNode("node-a")
	require.NoError(t, err)
	require.Equal(t, "node-a", second.Name)
	require.True(t, second.LastSeen.After(firstSeen))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newTestStore(t)
	p := New(st, "node-a", "10.0.0.1", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
