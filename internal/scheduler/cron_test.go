package scheduler

import (
	"testing"
	"time"
)

func TestNextTickAfterAdvancesToNextMinute(t *testing.T) {
	prev := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, err := NextTickAfter("* * * * *", prev)
	if err != nil {
		t.Fatalf("NextTickAfter: %v", err)
	}
	want := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextTickAfterRejectsInvalidExpression(t *testing.T) {
	if _, err := NextTickAfter("not a cron expression", time.Now()); err == nil {
		t.Fatalf("expected an error for a malformed cron expression")
	}
}

func TestNextTickAfterIsStrictlyAfterPrev(t *testing.T) {
	// On-the-minute prev must still advance to the *next* tick, not repeat.
	prev := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC)
	next, err := NextTickAfter("5 * * * *", prev)
	if err != nil {
		t.Fatalf("NextTickAfter: %v", err)
	}
	if !next.After(prev) {
		t.Fatalf("expected next tick strictly after prev, got next=%v prev=%v", next, prev)
	}
	if next.Sub(prev) != time.Hour {
		t.Fatalf("expected the next hourly tick exactly 1h later, got delta=%v", next.Sub(prev))
	}
}

func TestLatestTickAtOrBeforeFindsMostRecentTick(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 10, 3, 30, 0, time.UTC)
	windowStart, found, err := LatestTickAtOrBefore("* * * * *", after, now)
	if err != nil {
		t.Fatalf("LatestTickAtOrBefore: %v", err)
	}
	if !found {
		t.Fatalf("expected a tick to be found")
	}
	want := time.Date(2026, 7, 31, 10, 3, 0, 0, time.UTC)
	if !windowStart.Equal(want) {
		t.Fatalf("expected windowStart=%v, got %v", want, windowStart)
	}
}

func TestLatestTickAtOrBeforeNotFoundWhenNoTickYet(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 10, 0, 30, 0, time.UTC)
	_, found, err := LatestTickAtOrBefore("0 0 1 1 *", after, now)
	if err != nil {
		t.Fatalf("LatestTickAtOrBefore: %v", err)
	}
	if found {
		t.Fatalf("expected no tick of a yearly cron to be found within 30 seconds")
	}
}

func TestLatestTickAtOrBeforeAdvancesCursorAcrossCalls(t *testing.T) {
	// Simulates the fanout package's incremental-walk usage: calling again
	// with the previous windowStart as `after` must not re-find the same tick.
	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 10, 2, 30, 0, time.UTC)
	first, found, err := LatestTickAtOrBefore("* * * * *", start, now)
	if err != nil || !found {
		t.Fatalf("first call: found=%v err=%v", found, err)
	}
	second, found, err := LatestTickAtOrBefore("* * * * *", first, now)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if found {
		t.Fatalf("expected no further tick between the first windowStart and now, got %v", second)
	}
}
