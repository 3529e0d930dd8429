// Package resources publishes this node's free CPU/RAM/disk into the
// coordination store on a fixed interval, the Go analogue of
// shakenfist's daemons/resources.py monitor, which the teacher's
// upstream daemon table runs first because the scheduler cannot place
// anything without it.
package resources

import (
	"context"
	"runtime"
	"syscall"
	"time"

	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/pbnjay/memory"
)

const interval = 10 * time.Second

// Publisher periodically writes this node's resource snapshot.
type Publisher struct {
	store      *store.Store
	nodeName   string
	nodeIP     string
	storageDir string
}

// New creates a Publisher for this node. storageDir is statted for
// free disk space, conventionally the same path instances are built
// under.
func New(st *store.Store, nodeName, nodeIP, storageDir string) *Publisher {
	return &Publisher{store: st, nodeName: nodeName, nodeIP: nodeIP, storageDir: storageDir}
}

// Run publishes a snapshot immediately, then on every tick, until ctx
// is cancelled. It returns nil on clean cancellation so the
// supervisor does not treat it as a crash needing a restart.
func (p *Publisher) Run(ctx context.Context) error {
	logger := log.WithComponent("resources")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := p.publish(); err != nil {
		logger.Warn().Err(err).Msg("failed publishing initial resource snapshot")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.publish(); err != nil {
				logger.Warn().Err(err).Msg("failed publishing resource snapshot")
			}
		}
	}
}

func (p *Publisher) publish() error {
	n, err := p.store.GetNode(p.nodeName)
	if err != nil {
		return err
	}
	if n == nil {
		n = &types.Node{Name: p.nodeName, IP: p.nodeIP}
	}

	n.LastSeen = time.Now()
	n.FreeCPU = runtime.NumCPU()
	n.FreeRAMMB = int64(memory.FreeMemory() / (1024 * 1024))

	if free, err := freeDiskGB(p.storageDir); err == nil {
		n.FreeDiskGB = free
	}

	return p.store.PutNode(n)
}

func freeDiskGB(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	bytesFree := stat.Bavail * uint64(stat.Bsize)
	return int64(bytesFree / (1024 * 1024 * 1024)), nil
}
