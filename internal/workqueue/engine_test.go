package workqueue

import (
	"testing"
	"time"
)

func TestDefaultBackoffMonotoneIgnoringJitter(t *testing.T) {
	opts := DefaultBackoffOptions()
	opts.Jitter = 0
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(attempt, opts)
		if d < prev {
			t.Fatalf("attempt %d: backoff %v less than previous %v", attempt, d, prev)
		}
		if d > opts.Cap {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, opts.Cap)
		}
		prev = d
	}
}

func TestNewOwnerTokenUnique(t *testing.T) {
	a := NewOwnerToken()
	b := NewOwnerToken()
	if a == b {
		t.Fatalf("expected distinct owner tokens, got %q twice", a)
	}
}

// Claim-contention, lease-expiry-reclaim, Ack/Abandon/Fail ownership
// checks, ReapExpired, and Cleanup are exercised in engine_fake_test.go
// against a fake in-memory Executor built from the real generated SQL
// shape. Only the two table-agnostic helpers (backoff scheduling and
// owner token uniqueness) are tested here.
