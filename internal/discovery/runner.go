package discovery

import (
	"context"
	"time"
)

// Runner drives the orchestrator on a fixed interval. Manual triggers go
// straight to the orchestrator; its scan lock arbitrates overlap.
type Runner struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       Logger
}

// NewRunner creates a periodic runner.
func NewRunner(orchestrator *Orchestrator, interval time.Duration) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		interval:     interval,
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Run executes an immediate startup pass and then one pass per interval
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("discovery runner started", "interval", r.interval)

	r.orchestrator.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("discovery runner stopped")
			return
		case <-ticker.C:
			r.orchestrator.RunOnce(ctx)
		}
	}
}
