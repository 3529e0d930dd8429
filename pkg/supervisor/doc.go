/*
Package supervisor forks warrend's worker roles and monitors them,
re-forking on unexpected exit, until an orderly two-phase shutdown
(signal, wait, force-kill stragglers) is requested.

It generalizes the teacher's ContainerdManager.Start/monitor, which
forked and watched exactly one child, to a table of roles (api,
scheduler, queues, net, resources, cleaner, triggers, store-client,
image-cache). Each role can run either as a re-exec'd OS process
(self-exec with a hidden --supervisor-role=<role> flag, the idiomatic
Go substitute for fork()) or as a plain goroutine in the same process;
the choice is a single forkWorkers toggle rather than a per-role
setting, since the only reason to prefer process isolation is a large
deployment where one role wedging shouldn't take down the others.

Restore (restore.go) runs once at startup, before any role begins
serving requests: for each locally-owned instance it re-materializes
the instance's networks and powers it on if its recorded power state
is bootable. It does not ask the hypervisor driver for the guest's
current status.
*/
package supervisor
