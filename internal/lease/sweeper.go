package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthd/hearthd/internal/history"
)

// Sweeper periodically expires overdue dynamic leases and prunes the
// history log past its retention window.
type Sweeper struct {
	registry  *Registry
	hist      *history.Log
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper creates an expiry sweeper. retention <= 0 disables history
// pruning.
func NewSweeper(registry *Registry, hist *history.Log, interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:  registry,
		hist:      hist,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		"interval", s.interval, "history_retention", s.retention)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	expired, err := s.registry.MarkExpiredLeases()
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("expiry sweep completed", "expired_count", expired)
	}

	if _, err := s.hist.Prune(s.retention); err != nil {
		s.logger.Error("history pruning failed", "error", err)
	}
}
