package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// lockRecord is the value stored under sf/locks/<name>. A lock is
// held as long as now < ExpiresAt; an expired record is treated as
// free and may be stolen by the next acquirer.
type lockRecord struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Lock is a handle on a held named lock. Refresh must be called
// periodically during long operations to keep it alive; Release frees
// it immediately.
type Lock struct {
	name    string
	holder  string
	store   *Store
	ttl     time.Duration
	cancel  context.CancelFunc
	stopped chan struct{}
}

// LockManager acquires and releases named, TTL-bounded locks backed
// by the coordination store. It mirrors the etcd lease-lock pattern
// used for cross-node mutual exclusion: a lock key with an expiry
// timestamp, refreshed by the holder and otherwise left to expire.
type LockManager struct {
	store *Store
}

// NewLockManager constructs a LockManager bound to store.
func NewLockManager(store *Store) *LockManager {
	return &LockManager{store: store}
}

// Acquire blocks, retrying every 500ms, until the named lock is free
// or ctx is cancelled. ttl bounds how long the lock is held before it
// is considered abandoned absent a Refresh.
func (lm *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	holder := uuid.NewString()
	key := prefixLock + name

	for {
		raw, ok, err := lm.store.kv.get(key)
		if err != nil {
			return nil, fmt.Errorf("read lock %s: %w", name, err)
		}

		free := true
		if ok {
			var rec lockRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				free = time.Now().After(rec.ExpiresAt)
			}
		}

		if free {
			rec := lockRecord{Holder: holder, ExpiresAt: time.Now().Add(ttl)}
			if err := lm.store.put(key, rec); err != nil {
				return nil, fmt.Errorf("acquire lock %s: %w", name, err)
			}
			return &Lock{name: name, holder: holder, store: lm.store, ttl: ttl, stopped: make(chan struct{})}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Refresh extends the lock's expiry by its original ttl. Callers
// performing long operations (image fetch, transcode) should call
// this on a 10s interval; see KeepAlive for a helper that does so.
func (l *Lock) Refresh() error {
	rec := lockRecord{Holder: l.holder, ExpiresAt: time.Now().Add(l.ttl)}
	return l.store.put(prefixLock+l.name, rec)
}

// Release frees the lock immediately and stops any KeepAlive goroutine.
func (l *Lock) Release() error {
	if l.cancel != nil {
		l.cancel()
		<-l.stopped
	}
	return l.store.delete(prefixLock + l.name)
}

// KeepAlive starts a background goroutine that refreshes the lock
// every interval until ctx is cancelled or Release is called. It is
// used by the image cache and instance pipeline to hold a lock across
// an operation whose duration is not known up front.
func (l *Lock) KeepAlive(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	go func() {
		defer close(l.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = l.Refresh()
			case <-ctx.Done():
				return
			}
		}
	}()
}
