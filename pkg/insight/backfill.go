package insight

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"
)

// Queue is the part of Extractor that backfill drives.
type Queue interface {
	Enqueue(ctx context.Context, id conversation.TurnID) (bool, error)
	Retry(id conversation.TurnID) bool
}

// Backfill finds turns that never got an insight (analysis disabled at
// the time, a dropped submission, a crash) and queues them.
type Backfill struct {
	store  conversation.Store
	queue  Queue
	logger *slog.Logger
}

// NewBackfill creates a Backfill.
func NewBackfill(store conversation.Store, queue Queue, logger *slog.Logger) *Backfill {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfill{
		store:  store,
		queue:  queue,
		logger: logger.With("component", "insight.backfill"),
	}
}

// Run queues every pending turn once, oldest first, and returns how many
// were queued.
func (b *Backfill) Run(ctx context.Context) (int, error) {
	ids, err := b.store.ListUnanalyzed(ctx, 0)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		ok, err := b.queue.Enqueue(ctx, id)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		b.logger.Info("queued unanalyzed turns", "count", queued)
	}
	return queued, nil
}

// RetryFailed clears failure markers and queues those turns again.
func (b *Backfill) RetryFailed(ctx context.Context) (int, error) {
	ids, err := b.store.ListFailed(ctx, 0)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if err := b.store.ClearAnalysisFailure(ctx, id); err != nil {
			return queued, err
		}
		b.queue.Retry(id)
		ok, err := b.queue.Enqueue(ctx, id)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	b.logger.Info("retrying failed analyses", "count", queued)
	return queued, nil
}

// Watch runs Run immediately and then on every tick until ctx is done.
func (b *Backfill) Watch(ctx context.Context, interval time.Duration) error {
	if _, err := b.Run(ctx); err != nil && ctx.Err() == nil {
		b.logger.Warn("backfill pass failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Run(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("backfill pass failed", "error", err)
			}
		}
	}
}
