package ws

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 30 * time.Second}

	prevBase := time.Duration(0)
	for i := range 10 {
		d := b.Next()
		// Base for attempt i is min(1s << i, 30s); jitter keeps the
		// draw within [base/2, base].
		base := time.Second << uint(i)
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		if d < base/2 || d > base {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", i, d, base/2, base)
		}
		if base < prevBase {
			t.Errorf("attempt %d: base shrank", i)
		}
		prevBase = base
	}
}

func TestBackoffReset(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: time.Minute}

	for range 5 {
		b.Next()
	}
	if b.Attempt() != 5 {
		t.Errorf("Attempt = %d, want 5", b.Attempt())
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("Attempt after reset = %d, want 0", b.Attempt())
	}
	if d := b.Next(); d > time.Second {
		t.Errorf("first delay after reset = %s, want <= initial", d)
	}
}

func TestBackoffNoOverflow(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 300 * time.Second}

	for range 100 {
		d := b.Next()
		if d <= 0 || d > 300*time.Second {
			t.Fatalf("delay %s out of range after many attempts", d)
		}
	}
}
