package updater

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// PIDWaiter polls for process exit with signal 0. The updater is not
// the agent's parent, so Wait is not available.
type PIDWaiter struct {
	Interval time.Duration
}

// WaitExit blocks until pid is gone or ctx ends.
func (w PIDWaiter) WaitExit(ctx context.Context, pid int) error {
	interval := w.Interval
	if interval == 0 {
		interval = 250 * time.Millisecond
	}
	for {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("process %d still running: %w", pid, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}
