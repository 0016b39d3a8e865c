package flush

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives periodic flushing. It is only started when the flush
// policy is periodic; immediate and manual policies need no timer.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
}

// NewScheduler creates a ticker-driven flush trigger.
func NewScheduler(manager *Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: interval,
	}
}

// Start begins periodic flushing. Runs until context is cancelled, then
// performs one final drain so a clean shutdown leaves as little queued as
// the network allows.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting periodic flush scheduler", "interval", s.interval)

	// Catch up with any backlog left from a previous run.
	s.manager.FlushAll(ctx)

	for {
		select {
		case <-ticker.C:
			s.manager.RequestFlush(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final drain before shutdown...")
			s.manager.FlushAll(shutdownCtx)
			slog.Info("[Scheduler] Final drain complete")

			return nil
		}
	}
}
