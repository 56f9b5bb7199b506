package singleton

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}

	// After release the lock must be available again.
	g2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	g2.Release()
}

func TestAcquireHeldLock(t *testing.T) {
	// Each Acquire opens its own file description, so the second one
	// conflicts even inside a single process.
	path := filepath.Join(t.TempDir(), "agent.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer g.Release()

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Acquire = %v, want ErrAlreadyRunning", err)
	}
}

func TestReleaseNil(t *testing.T) {
	var g *Guard
	if err := g.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}
}
