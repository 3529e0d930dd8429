package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Op identifies a coordination-store mutation replicated through Raft.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Command is one Raft log entry: a single key mutation.
type Command struct {
	Op    Op              `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// fsm implements raft.FSM over the local boltKV, replicating an
// arbitrary key/value namespace rather than a fixed entity schema.
type fsm struct {
	mu sync.RWMutex
	kv *boltKV
}

func newFSM(kv *boltKV) *fsm {
	return &fsm{kv: kv}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPut:
		return f.kv.put(cmd.Key, cmd.Value)
	case OpDelete:
		return f.kv.delete(cmd.Key)
	default:
		return fmt.Errorf("unknown op: %s", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.kv.dump()
	if err != nil {
		return nil, fmt.Errorf("dump kv: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data map[string][]byte
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for key, value := range data {
		if err := f.kv.put(key, value); err != nil {
			return fmt.Errorf("restore key %s: %w", key, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	data map[string][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
