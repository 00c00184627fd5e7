package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthd/hearthd/internal/metrics"
)

// Flusher periodically snapshots the packet counter map and ships it to
// the sink. Counters reset on every snapshot so each flush carries the
// delta since the last one.
type Flusher struct {
	counters *metrics.CounterMap
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewFlusher creates a counter flusher.
func NewFlusher(counters *metrics.CounterMap, sink Sink, interval time.Duration, logger *slog.Logger) *Flusher {
	return &Flusher{
		counters: counters,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, flushing on every tick and once
// more on the way out.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("metrics flusher started", "interval", f.interval)

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.flush(final)
			cancel()
			f.logger.Info("metrics flusher stopped")
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	snap := f.counters.Snapshot()
	if len(snap) == 0 {
		return
	}

	if err := f.sink.WriteCounters(ctx, snap); err != nil {
		metrics.SinkFlushes.WithLabelValues("error").Inc()
		f.logger.Warn("flushing counters to sink", "error", err, "counters", len(snap))
		return
	}
	metrics.SinkFlushes.WithLabelValues("success").Inc()
	f.logger.Debug("flushed counters to sink", "counters", len(snap))
}
