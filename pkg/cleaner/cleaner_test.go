package cleaner

import (
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 20000 + (time.Now().Nanosecond() % 1000)
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

func TestReapTombstonedInstancesPurgesPastGraceOnly(t *testing.T) {
	st := newTestStore(t)
	c := New(st)

	fresh := &types.Instance{UUID: "fresh", State: types.InstanceStateDeleted, DeletedAt: time.Now()}
	stale := &types.Instance{UUID: "stale", State: types.InstanceStateDeleted, DeletedAt: time.Now().Add(-tombstoneGrace * 2)}
	alive := &types.Instance{UUID: "alive", State: types.InstanceStateCreated}

	require.NoError(t, st.PutInstance(fresh))
	require.NoError(t, st.PutInstance(stale))
	require.NoError(t, st.PutInstance(alive))

	require.NoError(t, c.reapTombstonedInstances())

	got, err := st.GetInstance("stale")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = st.GetInstance("fresh")
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = st.GetInstance("alive")
	require.NoError(t, err)
	require.NotNil(t, got)
}
