package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const balanceTTL = 5 * time.Minute

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return r.q(ctx, tx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at, id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// MarkOutboxFailed records a failed publish attempt; the event stays queued.
func (r *Repository) MarkOutboxFailed(ctx context.Context, id uint64, cause error) error {
	msg := cause.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"retry_count": gorm.Expr("retry_count + 1"), "last_error": msg}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate so one transaction's
// events stay ordered within a partition.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s-%d", evt.Aggregate, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
		Time: time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, accountNumber string, bal decimal.Decimal) error {
	return r.rdb.Set(ctx, "balance:"+accountNumber, bal.String(), balanceTTL).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, accountNumber string) (decimal.Decimal, error) {
	str, err := r.rdb.Get(ctx, "balance:"+accountNumber).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// CacheCompletedKey remembers the response a completed idempotency key
// resolved to.
func (r *Repository) CacheCompletedKey(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, "idem:"+key, value, ttl).Err()
}

// GetCompletedKey returns "" on a cache miss.
func (r *Repository) GetCompletedKey(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, "idem:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}
