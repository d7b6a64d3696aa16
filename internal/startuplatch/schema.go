package startuplatch

import (
	"context"
	"time"

	"github.com/oriys/relaydb/internal/logging"
)

// Step is one declared schema-ensure action (an EnsureOutboxSchema /
// EnsureInboxSchema / ... call already bound to its schema and table
// names by the caller).
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunnerOptions controls the bounded retry schedule for failed steps.
type RunnerOptions struct {
	RetryInterval time.Duration
	MaxAttempts   int
}

func (o RunnerOptions) withDefaults() RunnerOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	return o
}

// RunSteps registers one latch handle per step and runs each in the
// background until it succeeds once, releasing its handle. A step that fails
// retries on a bounded schedule; exhausting attempts logs at Error and
// releases the handle anyway so one broken schema step cannot wedge every
// other subsystem's Ready gate forever. Never panics: a step's error is
// always caught and logged, never propagated.
func RunSteps(ctx context.Context, latch *Latch, steps []Step, opts RunnerOptions) {
	opts = opts.withDefaults()
	for _, step := range steps {
		handle := latch.Register(step.Name)
		go runStep(ctx, handle, step, opts)
	}
}

func runStep(ctx context.Context, handle *Handle, step Step, opts RunnerOptions) {
	defer handle.Release()
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := step.Run(ctx); err != nil {
			logging.Op().Warn("schema step failed", "step", step.Name, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.RetryInterval):
			}
			continue
		}
		logging.Op().Debug("schema step completed", "step", step.Name, "attempts", attempt)
		return
	}
	logging.Op().Error("schema step exhausted retries, proceeding without it", "step", step.Name, "attempts", opts.MaxAttempts)
}
