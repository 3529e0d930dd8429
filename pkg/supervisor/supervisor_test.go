package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunInProcessRestartsOnError(t *testing.T) {
	s := New(false)
	var calls int32
	s.Register(RoleCleaner, func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return fmt.Errorf("boom %d", n)
		}
		return nil
	})

	ctx := context.Background()
	s.runInProcess(ctx, RoleCleaner)

	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestParseRoleFlag(t *testing.T) {
	role, ok := ParseRoleFlag([]string{"--supervisor-role=cleaner"})
	require.True(t, ok)
	require.Equal(t, RoleCleaner, role)

	_, ok = ParseRoleFlag([]string{"--other-flag"})
	require.False(t, ok)
}

func TestStopFlipsStoppingBeforeChildrenDrain(t *testing.T) {
	s := New(false)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return for an empty supervisor")
	}
	require.True(t, s.isStopping())
}
