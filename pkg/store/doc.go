/*
Package store is warren's coordination layer: a single flat key/value
namespace replicated across nodes by Raft (github.com/hashicorp/raft),
with a BoltDB-backed mirror on each node and named, TTL-bounded locks
layered on top for cross-node mutual exclusion.

Keys live under fixed prefixes (sf/nodes/, sf/instances/, sf/networks/,
sf/interfaces/, sf/ipmanager/, sf/events/, sf/passwords/, sf/locks/).
Writes go through Raft via Store.put/delete so every node's BoltDB
mirror converges; reads are served from the local mirror without
involving Raft, so followers can read at the cost of being briefly
behind the leader.

Locks (see locks.go) are KV entries under sf/locks/ with an expiry,
refreshed by their holder. They are written through Raft like any
other key, so acquiring or refreshing a lock needs the same quorum as
any other write. A lock is held only until its expiry, so operations
of unknown duration need periodic Refresh (see Lock.KeepAlive).
*/
package store
