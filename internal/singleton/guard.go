// Package singleton enforces the at-most-one-agent-per-host invariant
// with an advisory file lock. The OS releases the lock if the process
// dies, so a crashed agent never wedges the host.
package singleton

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning means another agent process holds the host lock.
var ErrAlreadyRunning = errors.New("another agent instance is already running")

// Guard holds the host-wide lock for the lifetime of the process.
type Guard struct {
	lock *flock.Flock
}

// Acquire takes the lock at path without blocking. ErrAlreadyRunning is
// returned when a live process already holds it.
func Acquire(path string) (*Guard, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return &Guard{lock: fl}, nil
}

// Release drops the lock on orderly shutdown.
func (g *Guard) Release() error {
	if g == nil || g.lock == nil {
		return nil
	}
	return g.lock.Unlock()
}
