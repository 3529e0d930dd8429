/*
Package cleaner replaces the teacher's container reconciliation loop
(desired vs. actual state convergence) with time-bounded garbage
collection, since this spec's scheduler runs placement synchronously
per request rather than on a reconciliation tick: there is no ongoing
desired-state drift to correct, only tombstoned records to age out.

Only the Raft leader runs a sweep; every write a Cleaner issues goes
through the same apply path as a client request, so a follower
attempting one would just fail with ErrNotLeader on every call.
*/
package cleaner
