package store

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// raftCoordinator owns the Raft instance that replicates the
// coordination store's key/value namespace across nodes. Timeouts are
// tuned for a single-rack LAN deployment rather than Raft's
// WAN-conservative defaults, targeting sub-10s failover.
type raftCoordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *fsm
}

func newRaftCoordinator(nodeID, bindAddr, dataDir string, f *fsm) *raftCoordinator {
	return &raftCoordinator{nodeID: nodeID, bindAddr: bindAddr, dataDir: dataDir, fsm: f}
}

func (c *raftCoordinator) newConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (c *raftCoordinator) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(c.newConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("create raft: %w", err)
	}

	return r, transport.LocalAddr(), nil
}

// Bootstrap forms a brand new single-node cluster.
func (c *raftCoordinator) Bootstrap() error {
	r, localAddr, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	cfg := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.nodeID), Address: localAddr},
		},
	}
	if err := c.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts Raft on this node without bootstrapping a cluster and
// returns at once; the node becomes a voter only when the existing
// leader calls AddVoter for it, which the caller must arrange.
func (c *raftCoordinator) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

func (c *raftCoordinator) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if c.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader, current leader: %s", c.LeaderAddr())
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

func (c *raftCoordinator) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if c.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader")
	}
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

func (c *raftCoordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *raftCoordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

func (c *raftCoordinator) Stats() map[string]string {
	if c.raft == nil {
		return nil
	}
	return c.raft.Stats()
}

func (c *raftCoordinator) Apply(cmd Command, timeout time.Duration) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return respErr
		}
	}
	return nil
}

func (c *raftCoordinator) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}
