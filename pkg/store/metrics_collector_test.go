package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestStoreForMetrics(t *testing.T) *Store {
	t.Helper()

	port := 23000 + (time.Now().Nanosecond() % 1000)
	st, err := Open(Config{
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

func TestCollectSetsGaugesFromStoreContents(t *testing.T) {
	st := newTestStoreForMetrics(t)
	require.NoError(t, st.PutNode(&types.Node{Name: "node-a"}))
	require.NoError(t, st.PutInstance(&types.Instance{UUID: "inst-1", State: types.InstanceStateCreated}))
	require.NoError(t, st.PutInstance(&types.Instance{UUID: "inst-2", State: types.InstanceStateError}))
	require.NoError(t, st.PutNetwork(&types.Network{UUID: "net-1"}))

	c := NewMetricsCollector(st)
	c.collect()

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.NodesTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.NetworksTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RaftLeader))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(types.InstanceStateCreated))))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.InstancesTotal.WithLabelValues(string(types.InstanceStateError))))
}

func TestStartStopDoesNotPanic(t *testing.T) {
	st := newTestStoreForMetrics(t)
	c := NewMetricsCollector(st)
	c.Start()
	c.Stop()
}
