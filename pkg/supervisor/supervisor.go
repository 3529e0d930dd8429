// Package supervisor forks and monitors warrend's worker roles, the
// Go analogue of shakenfist's daemons/main.py process table and of
// the teacher's ContainerdManager.Start/monitor single-child pattern,
// generalized from one child (containerd) to a table of roles.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/rs/zerolog"
)

// Role names one of warrend's independent execution contexts.
type Role string

const (
	RoleAPI         Role = "api"
	RoleScheduler   Role = "scheduler"
	RoleQueues      Role = "queues"
	RoleNet         Role = "net"
	RoleResources   Role = "resources"
	RoleCleaner     Role = "cleaner"
	RoleTriggers    Role = "triggers"
	RoleStoreClient Role = "store-client"
	RoleImageCache  Role = "image-cache"
)

// RoleFlag is the hidden flag warrend's main() checks for on startup
// to decide whether it is the top-level supervisor process or a
// re-exec'd child running a single role.
const RoleFlag = "--supervisor-role="

// shutdownGrace is how long Stop waits for a child to exit after
// SIGTERM before it is force-killed.
const shutdownGrace = 10 * time.Second

// restartBackoff is the minimum delay between re-forking a role after
// an unexpected exit, avoiding a restart storm against a role that
// fails immediately on every start.
const restartBackoff = 2 * time.Second

// RoleFunc is a role's in-process implementation, used when the
// supervisor is configured to run roles as goroutines rather than
// separate OS processes.
type RoleFunc func(ctx context.Context) error

// child tracks one forked worker process under supervision.
type child struct {
	role Role
	cmd  *exec.Cmd
}

// Supervisor owns the DAEMONS table: the set of roles warrend runs
// and whether each is a forked child process or an in-process
// goroutine. Only the supervisor goroutine reads or writes this
// table; workers never touch it.
type Supervisor struct {
	forkWorkers bool
	roles       map[Role]RoleFunc

	mu       sync.Mutex
	children map[Role]*child
	stopping bool

	logger zerolog.Logger
}

// New creates a Supervisor. forkWorkers selects process-per-role
// (self-exec via RoleFlag) over the default in-process goroutine mode.
func New(forkWorkers bool) *Supervisor {
	return &Supervisor{
		forkWorkers: forkWorkers,
		roles:       map[Role]RoleFunc{},
		children:    map[Role]*child{},
		logger:      log.WithComponent("supervisor"),
	}
}

// Register associates role with its in-process implementation. fn
// runs regardless of fork mode: in fork mode it runs inside the
// re-exec'd child process after main() dispatches on RoleFlag; in
// goroutine mode it runs directly under Start.
func (s *Supervisor) Register(role Role, fn RoleFunc) {
	s.roles[role] = fn
}

// Start launches every registered role and begins monitoring it,
// re-forking (or restarting the goroutine) on unexpected exit until
// Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	for role := range s.roles {
		s.launch(ctx, role)
	}
}

func (s *Supervisor) launch(ctx context.Context, role Role) {
	if s.forkWorkers {
		go s.runForked(ctx, role)
		return
	}
	go s.runInProcess(ctx, role)
}

// runInProcess runs role's function directly, restarting it if it
// returns an error, until ctx is cancelled or Stop is called.
func (s *Supervisor) runInProcess(ctx context.Context, role Role) {
	for {
		if ctx.Err() != nil || s.isStopping() {
			return
		}

		err := s.roles[role](ctx)
		if ctx.Err() != nil || s.isStopping() {
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("role", string(role)).Msg("role exited, restarting")
			metrics.SupervisedProcessRestartsTotal.WithLabelValues(string(role)).Inc()
			time.Sleep(restartBackoff)
			continue
		}
		// A role func that returns nil is considered done (e.g. a
		// one-shot restore step), not a candidate for restart.
		return
	}
}

// runForked re-execs the current binary with RoleFlag set to role,
// waits on it, and re-forks on any exit until Stop is called.
func (s *Supervisor) runForked(ctx context.Context, role Role) {
	for {
		if ctx.Err() != nil || s.isStopping() {
			return
		}

		cmd := exec.CommandContext(ctx, os.Args[0], RoleFlag+string(role))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		s.mu.Lock()
		s.children[role] = &child{role: role, cmd: cmd}
		s.mu.Unlock()

		if err := cmd.Start(); err != nil {
			s.logger.Error().Err(err).Str("role", string(role)).Msg("failed to fork role")
			time.Sleep(restartBackoff)
			continue
		}

		s.logger.Info().Str("role", string(role)).Int("pid", cmd.Process.Pid).Msg("forked role")
		err := cmd.Wait()

		if ctx.Err() != nil || s.isStopping() {
			return
		}

		if err != nil {
			s.logger.Warn().Err(err).Str("role", string(role)).Msg("role process exited, re-forking")
		} else {
			s.logger.Warn().Str("role", string(role)).Msg("role process exited cleanly, re-forking")
		}
		metrics.SupervisedProcessRestartsTotal.WithLabelValues(string(role)).Inc()
		time.Sleep(restartBackoff)
	}
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Stop performs the two-phase shutdown: stop forking new children,
// signal the existing ones, wait up to shutdownGrace, then kill any
// stragglers. In goroutine mode this only flips the stopping flag;
// callers are expected to cancel the context they passed to Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.mu.Unlock()

	for _, c := range children {
		if c.cmd.Process == nil {
			continue
		}
		if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
			s.logger.Warn().Err(err).Str("role", string(c.role)).Msg("failed to signal role")
		}
	}

	done := make(chan struct{})
	go func() {
		for _, c := range children {
			if c.cmd.Process != nil {
				c.cmd.Wait()
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		for _, c := range children {
			if c.cmd.Process != nil {
				s.logger.Warn().Str("role", string(c.role)).Msg("role did not stop gracefully, killing")
				c.cmd.Process.Kill()
			}
		}
	}
}

// ParseRoleFlag returns the role named by a RoleFlag argument in args
// (conventionally os.Args[1:]) and true, or "" and false if no such
// argument is present. main() calls this before doing anything else.
func ParseRoleFlag(args []string) (Role, bool) {
	for _, a := range args {
		if len(a) > len(RoleFlag) && a[:len(RoleFlag)] == RoleFlag {
			return Role(a[len(RoleFlag):]), true
		}
	}
	return "", false
}
