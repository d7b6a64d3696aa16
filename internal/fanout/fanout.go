// Package fanout periodically enqueues slice messages for each configured
// FanoutPolicy, one per configured shard, tracked by a (FanoutTopic,
// WorkKey) cursor and guarded by a lease so only one worker in the fleet
// advances a given policy's window at a time. Each pass follows the same
// poll-claim-transact shape as internal/scheduler, with one enqueue per
// shard instead of a single fire.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/relaydb/internal/clock"
	"github.com/oriys/relaydb/internal/lease"
	"github.com/oriys/relaydb/internal/logging"
	"github.com/oriys/relaydb/internal/metrics"
	"github.com/oriys/relaydb/internal/scheduler"
	"github.com/oriys/relaydb/internal/store"
)

// Slice is the payload enqueued into the outbox for one fanout shard.
type Slice struct {
	FanoutTopic   string    `json:"fanoutTopic"`
	ShardKey      int       `json:"shardKey"`
	WorkKey       string    `json:"workKey"`
	WindowStart   time.Time `json:"windowStart"`
	CorrelationID string    `json:"correlationId"`
}

// Enqueuer is the narrow outbox surface fanout needs to produce slices
// inside the same transaction as its cursor advance.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx store.Tx, topic, payload, correlationID string) (string, error)
}

// Runner drives fanout passes for every configured policy.
type Runner struct {
	policies *store.FanoutStore
	outbox   Enqueuer
	leases   *lease.Factory
	clk      clock.TimeProvider

	// LeaseDuration is used when a policy does not set
	// LeaseDurationSeconds explicitly.
	LeaseDuration time.Duration
}

// New builds a Runner using the production clock. Use NewWithClock to
// inject a fake clock in tests that need to drive jitter sleeps
// deterministically.
func New(policies *store.FanoutStore, outbox Enqueuer, leases *lease.Factory, defaultLeaseDuration time.Duration) *Runner {
	return NewWithClock(policies, outbox, leases, defaultLeaseDuration, clock.New())
}

// NewWithClock builds a Runner bound to clk instead of the production
// clock.
func NewWithClock(policies *store.FanoutStore, outbox Enqueuer, leases *lease.Factory, defaultLeaseDuration time.Duration, clk clock.TimeProvider) *Runner {
	return &Runner{policies: policies, outbox: outbox, leases: leases, LeaseDuration: defaultLeaseDuration, clk: clk}
}

// RunOnce evaluates every configured policy once, enqueuing a due
// window's shard slices and advancing its cursor. Returns the number of
// policies whose window advanced.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	policies, err := r.policies.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("fanout: list policies: %w", err)
	}
	now := r.clk.Now().UTC()
	advanced := 0
	for _, p := range policies {
		ok, err := r.runPolicy(ctx, p, now)
		if err != nil {
			logging.Op().Warn("fanout pass failed", "fanout_topic", p.FanoutTopic, "work_key", p.WorkKey, "error", err)
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

func (r *Runner) runPolicy(ctx context.Context, p *store.FanoutPolicy, now time.Time) (bool, error) {
	cursor, err := r.policies.GetCursor(ctx, p.FanoutTopic, p.WorkKey)
	if err != nil {
		return false, fmt.Errorf("get cursor: %w", err)
	}
	after := time.Time{}
	if cursor != nil {
		after = cursor.LastWindowStart
	}

	windowStart, due, err := windowStartFor(p, after, now)
	if err != nil {
		return false, err
	}
	if !due {
		return false, nil
	}

	if p.JitterSeconds > 0 {
		delay := time.Duration(rand.Float64() * float64(p.JitterSeconds) * float64(time.Second))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.clk.After(delay):
		}
	}

	leaseDuration := time.Duration(p.LeaseDurationSeconds) * time.Second
	if leaseDuration <= 0 {
		leaseDuration = r.LeaseDuration
	}
	resourceName := leaseName(p.FanoutTopic, p.WorkKey)
	held, err := r.leases.Acquire(ctx, resourceName, leaseDuration, "", "")
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", resourceName, err)
	}
	if held == nil {
		// Another worker already owns this policy's window.
		return false, nil
	}
	defer r.leases.Release(ctx, held)

	// Re-check under the lease: another worker may have advanced the
	// cursor between our read above and acquiring the lease.
	cursor, err = r.policies.GetCursor(ctx, p.FanoutTopic, p.WorkKey)
	if err != nil {
		return false, fmt.Errorf("get cursor under lease: %w", err)
	}
	if cursor != nil && !windowStart.After(cursor.LastWindowStart) {
		return false, nil
	}

	tx, err := r.policies.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	shardCount := p.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	topic := "fanout:" + p.FanoutTopic + ":" + p.WorkKey
	for shard := 0; shard < shardCount; shard++ {
		slice := Slice{
			FanoutTopic:   p.FanoutTopic,
			ShardKey:      shard,
			WorkKey:       p.WorkKey,
			WindowStart:   windowStart,
			CorrelationID: uuid.NewString(),
		}
		payload, err := json.Marshal(slice)
		if err != nil {
			return false, fmt.Errorf("marshal slice: %w", err)
		}
		if _, err := r.outbox.Enqueue(ctx, tx, topic, string(payload), slice.CorrelationID); err != nil {
			return false, fmt.Errorf("enqueue slice: %w", err)
		}
	}
	if err := r.policies.AdvanceCursor(ctx, tx, p.FanoutTopic, p.WorkKey, windowStart); err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	metrics.RecordFanoutSlices(p.FanoutTopic, shardCount)
	return true, nil
}

// windowStartFor computes the current window boundary for p: the latest
// cron tick at or before now when Cron is set, otherwise the latest whole
// DefaultEverySeconds boundary. due is false when no window has elapsed
// since after.
func windowStartFor(p *store.FanoutPolicy, after, now time.Time) (windowStart time.Time, due bool, err error) {
	if p.Cron != "" {
		windowStart, due, err = scheduler.LatestTickAtOrBefore(p.Cron, after, now)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("fanout %q: %w", p.FanoutTopic, err)
		}
		return windowStart, due, nil
	}
	if p.DefaultEverySeconds == nil || *p.DefaultEverySeconds <= 0 {
		return time.Time{}, false, fmt.Errorf("fanout %q: neither Cron nor DefaultEverySeconds configured", p.FanoutTopic)
	}
	interval := time.Duration(*p.DefaultEverySeconds) * time.Second
	boundary := now.Truncate(interval)
	if !boundary.After(after) {
		return time.Time{}, false, nil
	}
	return boundary, true, nil
}

func leaseName(fanoutTopic, workKey string) string {
	return "fanout:" + fanoutTopic + ":" + workKey
}
