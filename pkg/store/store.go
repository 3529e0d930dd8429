// Package store implements warren's coordination layer: a Raft-replicated
// key/value store with named locks, plus the typed accessors other
// packages use to read and write cluster objects.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nimbusfleet/warren/pkg/types"
)

const (
	prefixNode      = "sf/nodes/"
	prefixInstance  = "sf/instances/"
	prefixNetwork   = "sf/networks/"
	prefixInterface = "sf/interfaces/"
	prefixIPManager = "sf/ipmanager/"
	prefixEvent     = "sf/events/"
	prefixPassword  = "sf/passwords/"
	prefixLock      = "sf/locks/"

	applyTimeout = 5 * time.Second
)

// Store is the coordination layer handle used by the rest of warren.
// Writes are replicated through Raft; reads are served from the local
// BoltDB mirror, which is consistent on the leader and eventually
// consistent (within the Raft commit window) on followers.
type Store struct {
	nodeID string
	kv     *boltKV
	raft   *raftCoordinator
	locks  *LockManager
}

// Config configures a new Store.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Open creates the local BoltDB mirror and Raft machinery for a node,
// but does not start Raft itself — call Bootstrap or Join next.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := newBoltKV(cfg.DataDir + "/coordination.db")
	if err != nil {
		return nil, err
	}

	f := newFSM(kv)
	rc := newRaftCoordinator(cfg.NodeID, cfg.BindAddr, cfg.DataDir, f)

	s := &Store{nodeID: cfg.NodeID, kv: kv, raft: rc}
	s.locks = NewLockManager(s)
	return s, nil
}

// Bootstrap forms a new single-node coordination cluster.
func (s *Store) Bootstrap() error { return s.raft.Bootstrap() }

// Join starts Raft locally; the caller must have the existing leader
// call AddVoter for this node's ID and bind address.
func (s *Store) Join() error { return s.raft.Join() }

// AddVoter adds nodeID/address as a new coordination store replica.
// Only the leader can do this.
func (s *Store) AddVoter(nodeID, address string) error {
	return s.raft.AddVoter(nodeID, address)
}

// RemoveServer removes nodeID from the coordination store cluster.
func (s *Store) RemoveServer(nodeID string) error {
	return s.raft.RemoveServer(nodeID)
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (s *Store) IsLeader() bool { return s.raft.IsLeader() }

// LeaderAddr returns the bind address of the current leader, if known.
func (s *Store) LeaderAddr() string { return s.raft.LeaderAddr() }

// Stats exposes the underlying Raft stats for the metrics collector.
func (s *Store) Stats() map[string]string { return s.raft.Stats() }

// Locks returns the lock manager for this store, used to take named,
// TTL-bounded mutexes such as instance/<uuid> and ipmanager/<uuid>.
func (s *Store) Locks() *LockManager { return s.locks }

// Close releases the local BoltDB handle and shuts down Raft.
func (s *Store) Close() error {
	if err := s.raft.Shutdown(); err != nil {
		return err
	}
	return s.kv.close()
}

func marshalCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// put replicates a single key/value write through Raft.
func (s *Store) put(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.raft.Apply(Command{Op: OpPut, Key: key, Value: raw}, applyTimeout)
}

// delete replicates a single key deletion through Raft.
func (s *Store) delete(key string) error {
	return s.raft.Apply(Command{Op: OpDelete, Key: key}, applyTimeout)
}

// get reads a key from the local mirror.
func (s *Store) get(key string, out interface{}) (bool, error) {
	raw, ok, err := s.kv.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) listPrefix(prefix string) (map[string][]byte, error) {
	return s.kv.listPrefix(prefix)
}

// --- Node ---

func (s *Store) PutNode(n *types.Node) error {
	return s.put(prefixNode+n.Name, n)
}

func (s *Store) GetNode(name string) (*types.Node, error) {
	var n types.Node
	ok, err := s.get(prefixNode+name, &n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *Store) ListNodes() ([]*types.Node, error) {
	raw, err := s.listPrefix(prefixNode)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Node, 0, len(raw))
	for _, v := range raw {
		var n types.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *Store) DeleteNode(name string) error {
	return s.delete(prefixNode + name)
}

// --- Instance ---

func (s *Store) PutInstance(i *types.Instance) error {
	return s.put(prefixInstance+i.UUID, i)
}

func (s *Store) GetInstance(uuid string) (*types.Instance, error) {
	var i types.Instance
	ok, err := s.get(prefixInstance+uuid, &i)
	if err != nil || !ok {
		return nil, err
	}
	return &i, nil
}

func (s *Store) ListInstances() ([]*types.Instance, error) {
	raw, err := s.listPrefix(prefixInstance)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Instance, 0, len(raw))
	for _, v := range raw {
		var i types.Instance
		if err := json.Unmarshal(v, &i); err != nil {
			return nil, err
		}
		out = append(out, &i)
	}
	return out, nil
}

func (s *Store) DeleteInstance(uuid string) error {
	return s.delete(prefixInstance + uuid)
}

// --- Network ---

func (s *Store) PutNetwork(n *types.Network) error {
	return s.put(prefixNetwork+n.UUID, n)
}

func (s *Store) GetNetwork(uuid string) (*types.Network, error) {
	var n types.Network
	ok, err := s.get(prefixNetwork+uuid, &n)
	if err != nil || !ok {
		return nil, err
	}
	return &n, nil
}

func (s *Store) ListNetworks() ([]*types.Network, error) {
	raw, err := s.listPrefix(prefixNetwork)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Network, 0, len(raw))
	for _, v := range raw {
		var n types.Network
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, nil
}

func (s *Store) DeleteNetwork(uuid string) error {
	return s.delete(prefixNetwork + uuid)
}

// --- NetworkInterface ---

func (s *Store) PutInterface(iface *types.NetworkInterface) error {
	return s.put(prefixInterface+iface.UUID, iface)
}

func (s *Store) GetInterface(uuid string) (*types.NetworkInterface, error) {
	var iface types.NetworkInterface
	ok, err := s.get(prefixInterface+uuid, &iface)
	if err != nil || !ok {
		return nil, err
	}
	return &iface, nil
}

func (s *Store) ListInterfaces() ([]*types.NetworkInterface, error) {
	raw, err := s.listPrefix(prefixInterface)
	if err != nil {
		return nil, err
	}
	out := make([]*types.NetworkInterface, 0, len(raw))
	for _, v := range raw {
		var iface types.NetworkInterface
		if err := json.Unmarshal(v, &iface); err != nil {
			return nil, err
		}
		out = append(out, &iface)
	}
	return out, nil
}

func (s *Store) ListInterfacesByInstance(instanceUUID string) ([]*types.NetworkInterface, error) {
	all, err := s.ListInterfaces()
	if err != nil {
		return nil, err
	}
	out := make([]*types.NetworkInterface, 0)
	for _, iface := range all {
		if iface.InstanceUUID == instanceUUID {
			out = append(out, iface)
		}
	}
	return out, nil
}

func (s *Store) DeleteInterface(uuid string) error {
	return s.delete(prefixInterface + uuid)
}

// --- IPManager ---

func (s *Store) PutIPManager(m *types.IPManager) error {
	return s.put(prefixIPManager+m.NetworkUUID, m)
}

func (s *Store) GetIPManager(networkUUID string) (*types.IPManager, error) {
	var m types.IPManager
	ok, err := s.get(prefixIPManager+networkUUID, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteIPManager(networkUUID string) error {
	return s.delete(prefixIPManager + networkUUID)
}

// --- Event ---

func (s *Store) PutEvent(objectUUID string, e *types.Event) error {
	key := fmt.Sprintf("%s%s/%d", prefixEvent, objectUUID, e.Timestamp.UnixNano())
	return s.put(key, e)
}

func (s *Store) ListEvents(objectUUID string) ([]*types.Event, error) {
	raw, err := s.listPrefix(prefixEvent + objectUUID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(raw))
	for _, v := range raw {
		var e types.Event
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// --- Passwords ---

func (s *Store) GetPasswords(namespace string) (*types.PasswordEntry, error) {
	var p types.PasswordEntry
	ok, err := s.get(prefixPassword+namespace, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPasswords(namespace string, p *types.PasswordEntry) error {
	return s.put(prefixPassword+namespace, p)
}
