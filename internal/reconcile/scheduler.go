package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the engine on a fixed cadence, once immediately at start.
// HTTP-triggered runs may overlap with scheduled ones.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "reconcile_scheduler"),
		now:      time.Now,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("reconciliation scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.engine.Run(ctx, s.now()); err != nil {
		s.logger.Warn("scheduled reconciliation did not finish", "error", err)
	}
}
