package sync

import (
	"context"
	"log"
	"time"

	"fleettrack/internal/provider"
)

// Scheduler triggers sync runs at a fixed interval. Each run is
// self-contained; an aborted run simply resumes from the persisted
// checkpoints on the next tick.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(engine *Engine, interval time.Duration, logger *log.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{engine: engine, interval: interval, logger: logger}
}

// Start begins the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.engine == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.engine.Run(ctx); err != nil {
				if s.logger == nil {
					continue
				}
				if provider.IsRateLimited(err) {
					s.logger.Printf("sync run aborted on rate limit: %v", err)
				} else {
					s.logger.Printf("sync run error: %v", err)
				}
			}
		}
	}
}
