package store

import (
	"strconv"
	"time"

	"github.com/nimbusfleet/warren/pkg/metrics"
)

// MetricsCollector periodically publishes gauges derived from store
// contents and Raft state.
type MetricsCollector struct {
	store  *Store
	stopCh chan struct{}
}

// NewMetricsCollector creates a collector bound to store.
func NewMetricsCollector(store *Store) *MetricsCollector {
	return &MetricsCollector{store: store, stopCh: make(chan struct{})}
}

// Start begins the collection loop on a 15s interval.
func (c *MetricsCollector) Start() {
	go c.run()
}

// Stop ends the collection loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) run() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MetricsCollector) collect() {
	if nodes, err := c.store.ListNodes(); err == nil {
		metrics.NodesTotal.Set(float64(len(nodes)))
	}

	if instances, err := c.store.ListInstances(); err == nil {
		counts := map[string]int{}
		for _, i := range instances {
			counts[string(i.State)]++
		}
		for state, n := range counts {
			metrics.InstancesTotal.WithLabelValues(state).Set(float64(n))
		}
	}

	if networks, err := c.store.ListNetworks(); err == nil {
		metrics.NetworksTotal.Set(float64(len(networks)))
	}

	if c.store.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	if n, err := strconv.Atoi(c.store.Stats()["num_peers"]); err == nil {
		metrics.RaftPeers.Set(float64(n + 1))
	}
}
