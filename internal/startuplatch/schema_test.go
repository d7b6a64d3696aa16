package startuplatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunStepsReleasesLatchOnSuccess(t *testing.T) {
	l := New()
	var calls int32
	steps := []Step{{
		Name: "ensure-outbox",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}}
	RunSteps(context.Background(), l, steps, RunnerOptions{RetryInterval: time.Millisecond, MaxAttempts: 3})

	deadline := time.After(time.Second)
	for !l.Ready() {
		select {
		case <-deadline:
			t.Fatalf("latch never became Ready")
		case <-time.After(time.Millisecond):
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the step to run exactly once, ran %d times", calls)
	}
}

func TestRunStepsRetriesThenReleasesOnExhaustion(t *testing.T) {
	l := New()
	var calls int32
	steps := []Step{{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("schema not reachable yet")
		},
	}}
	RunSteps(context.Background(), l, steps, RunnerOptions{RetryInterval: time.Millisecond, MaxAttempts: 3})

	deadline := time.After(time.Second)
	for !l.Ready() {
		select {
		case <-deadline:
			t.Fatalf("latch never became Ready despite retry exhaustion")
		case <-time.After(time.Millisecond):
		}
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected exactly MaxAttempts=3 calls, got %d", calls)
	}
}

func TestRunStepsRecoversAfterTransientFailure(t *testing.T) {
	l := New()
	var calls int32
	steps := []Step{{
		Name: "eventually-ok",
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 2 {
				return errors.New("not yet")
			}
			return nil
		},
	}}
	RunSteps(context.Background(), l, steps, RunnerOptions{RetryInterval: time.Millisecond, MaxAttempts: 5})

	deadline := time.After(time.Second)
	for !l.Ready() {
		select {
		case <-deadline:
			t.Fatalf("latch never became Ready")
		case <-time.After(time.Millisecond):
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected the step to stop retrying once it succeeded, got %d calls", calls)
	}
}

func TestRunStepsMultipleStepsAreIndependent(t *testing.T) {
	l := New()
	steps := []Step{
		{Name: "a", Run: func(ctx context.Context) error { return nil }},
		{Name: "b", Run: func(ctx context.Context) error { return errors.New("always fails") }},
	}
	RunSteps(context.Background(), l, steps, RunnerOptions{RetryInterval: time.Millisecond, MaxAttempts: 2})

	deadline := time.After(time.Second)
	for !l.Ready() {
		select {
		case <-deadline:
			t.Fatalf("latch never became Ready: one broken step must not wedge the others")
		case <-time.After(time.Millisecond):
		}
	}
}
