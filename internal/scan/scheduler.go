package scan

import (
	"context"
	"time"
)

// Scheduler fires discovery cycles on a fixed interval. Triggers that
// land while a cycle is still running are dropped by the orchestrator.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
}

// NewScheduler wraps an orchestrator with a periodic trigger.
func NewScheduler(orch *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{orch: orch, interval: interval}
}

// Run fires one cycle immediately, then one per interval until the
// context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.orch.StartCycle()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.orch.StartCycle()
		}
	}
}
