// Package cleaner runs the periodic sweep that reaps tombstoned
// instances and stale node records, the Go analogue of the teacher's
// reconciler loop retargeted from container desired/actual-state
// convergence to time-bounded garbage collection.
package cleaner

import (
	"time"

	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// interval between sweeps.
	interval = 10 * time.Second

	// tombstoneGrace is how long a deleted instance's record stays
	// queryable (for GET /instances/{uuid}/events, audit trails) before
	// it is purged along with its interfaces.
	tombstoneGrace = 5 * time.Minute
)

// Cleaner periodically reaps tombstoned instances/interfaces past
// their grace period and logs nodes that have gone silent. Only the
// Raft leader should run a Cleaner; a follower's sweep would just
// fail every write with ErrNotLeader.
type Cleaner struct {
	store  *store.Store
	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Cleaner bound to st. Call Start to begin sweeping.
func New(st *store.Store) *Cleaner {
	return &Cleaner{
		store:  st,
		logger: log.WithComponent("cleaner"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (c *Cleaner) Start() {
	go c.run()
}

// Stop ends the sweep loop.
func (c *Cleaner) Stop() {
	close(c.stopCh)
}

func (c *Cleaner) run() {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Msg("cleaner started")

	for {
		select {
		case <-ticker.C:
			if !c.store.IsLeader() {
				continue
			}
			if err := c.sweep(); err != nil {
				c.logger.Error().Err(err).Msg("cleanup cycle failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("cleaner stopped")
			return
		}
	}
}

func (c *Cleaner) sweep() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CleanupDuration)
		metrics.CleanupCyclesTotal.Inc()
	}()

	if err := c.reapTombstonedInstances(); err != nil {
		c.logger.Error().Err(err).Msg("failed reaping tombstoned instances")
	}

	c.logStaleNodes()

	return nil
}

// reapTombstonedInstances purges instance and interface records whose
// State is deleted and whose DeletedAt is older than tombstoneGrace.
// The grace period keeps /instances/{uuid}/events queryable for a
// while after delete instead of vanishing the moment the guest exits.
func (c *Cleaner) reapTombstonedInstances() error {
	instances, err := c.store.ListInstances()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, inst := range instances {
		if inst.State != types.InstanceStateDeleted {
			continue
		}
		if inst.DeletedAt.IsZero() || now.Sub(inst.DeletedAt) < tombstoneGrace {
			continue
		}

		ifaces, err := c.store.ListInterfacesByInstance(inst.UUID)
		if err != nil {
			c.logger.Error().Err(err).Str("instance", inst.UUID).Msg("failed listing interfaces for reap")
			continue
		}
		for _, iface := range ifaces {
			if err := c.store.DeleteInterface(iface.UUID); err != nil {
				c.logger.Error().Err(err).Str("interface", iface.UUID).Msg("failed deleting interface")
				continue
			}
			metrics.ResourcesReapedTotal.WithLabelValues("interface").Inc()
		}

		if err := c.store.DeleteInstance(inst.UUID); err != nil {
			c.logger.Error().Err(err).Str("instance", inst.UUID).Msg("failed deleting tombstoned instance")
			continue
		}
		metrics.ResourcesReapedTotal.WithLabelValues("instance").Inc()

		c.logger.Info().Str("instance", inst.UUID).
			Dur("age", now.Sub(inst.DeletedAt)).Msg("reaped tombstoned instance")
	}

	return nil
}

// logStaleNodes warns about nodes whose heartbeat lease has expired,
// the same lease types.LiveNodes enforces for placement. It does not
// delete the node record: a node rejoining after a blip should resume
// with its prior identity, not re-register from scratch.
func (c *Cleaner) logStaleNodes() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed listing nodes")
		return
	}

	now := time.Now()
	for _, n := range nodes {
		if !n.Live(now) {
			c.logger.Warn().Str("node", n.Name).
				Dur("since_last_seen", now.Sub(n.LastSeen)).
				Msg("node heartbeat lease expired")
		}
	}
}
