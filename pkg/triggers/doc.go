/*
Package triggers implements the "scan guest consoles for known
patterns, emit events" worker role: each running instance gets a
Watcher tailing its QEMU chardev-backed console log file, matching
new lines against a small pattern table (cloud-init completion, a
login prompt, a kernel panic) and recording one Event the first time
each pattern fires.

This has no original_source counterpart to port line-for-line — the
upstream trigger daemon is referenced by name in daemons/main.py but
its implementation was not included in the retrieval pack — so the
pattern table and polling loop are original, built in the teacher's
poll-interval-and-Result idiom (see the health-checker shape this
package replaced).
*/
package triggers
