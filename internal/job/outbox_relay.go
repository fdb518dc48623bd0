package job

import (
	"context"
	"time"

	"github.com/richardliu001/bank-core/internal/model"
	"go.uber.org/zap"
)

// OutboxStore is the part of the repository the relay drives.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	MarkOutboxFailed(ctx context.Context, id uint64, cause error) error
}

// OutboxRelay publishes committed outbox events to Kafka. Delivery is at
// least once; consumers dedupe on the transaction reference.
type OutboxRelay struct {
	store     OutboxStore
	metrics   Metrics
	log       *zap.SugaredLogger
	interval  time.Duration
	batchSize int
}

func NewOutboxRelay(s OutboxStore, m Metrics, interval time.Duration, batch int, logger *zap.SugaredLogger) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{store: s, metrics: m, log: logger, interval: interval, batchSize: batch}
}

// Start runs until ctx is cancelled.
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.log.Infow("outbox relay started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Errorf("poll outbox: %v", err)
			}
		}
	}
}

// RunOnce publishes one batch and reports how many events were sent.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			r.metrics.OutboxFailed()
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			if merr := r.store.MarkOutboxFailed(ctx, evt.ID, err); merr != nil {
				r.log.Errorf("mark failed id=%d: %v", evt.ID, merr)
			}
			continue
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			continue
		}
		r.metrics.OutboxPublished()
		sent++
		r.log.Debugf("event %d sent", evt.ID)
	}
	return sent, nil
}
