package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser is shared across NextTickAfter calls; standard five-field
// cron expressions (minute hour dom month dow) plus @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextTickAfter returns the next time expr fires strictly after prev.
// robfig/cron is used purely as a next-tick oracle (never as cron.Cron,
// which owns its own goroutine and wall-clock timer): the scheduler
// drives all firing itself, inside the same transaction as the
// corresponding outbox enqueue, so a restart never replays or skips a
// fire.
func NextTickAfter(expr string, prev time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse cron expression %q: %w", expr, err)
	}
	return sched.Next(prev), nil
}

// LatestTickAtOrBefore walks ticks of expr strictly after `after` and
// returns the latest one that does not exceed `now`, used by the fanout
// package to compute a cron-based window start. Callers pass the
// previously observed window (or the zero time on first use) as `after`
// so the walk only ever covers ticks since the last check, rather than
// scanning backward from now over an unbounded cron period.
func LatestTickAtOrBefore(expr string, after, now time.Time) (windowStart time.Time, found bool, err error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("scheduler: parse cron expression %q: %w", expr, err)
	}
	cursor := after
	for {
		next := sched.Next(cursor)
		if next.After(now) {
			return windowStart, found, nil
		}
		windowStart, found = next, true
		cursor = next
	}
}
