// Package deadletter maintains jobs that exhausted their retries.
//
// Records are read from both dead-letter destinations (list and stream).
// A maintenance pass purges records older than MaxAge
// and re-delivers the rest to their queue of origin.
// A record is only removed after its re-delivery succeeded.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultMaxAge is the age after which records are purged.
const DefaultMaxAge = 4 * time.Hour

// Resolver finds the queue of origin of a record.
type Resolver interface {
	GetQueue(name jobs.Name) (jobs.Queue, error)
}

// Record is a stored dead-letter item.
type Record struct {
	redisqueue.DeadLetterItem
	ID string // stream entry ID, empty for list records

	raw string
}

// Stats summarizes a maintenance pass.
type Stats struct {
	Purged      int
	Reprocessed int
	Failed      int
}

// Queue is the dead-letter store.
type Queue struct {
	Redis  redis.UniversalClient
	Log    *zap.Logger
	Keys   redisqueue.Keys
	MaxAge time.Duration
	Meter  metric.Meter

	now        func() time.Time
	once       sync.Once
	purged     metric.Int64Counter
	reproc     metric.Int64Counter
	reprocFail metric.Int64Counter
}

func (q *Queue) init() {
	q.once.Do(func() {
		if q.MaxAge <= 0 {
			q.MaxAge = DefaultMaxAge
		}
		if q.now == nil {
			q.now = time.Now
		}
		if q.Log == nil {
			q.Log = zap.NewNop()
		}
		must := metric.Must(q.Meter)
		q.purged = must.NewInt64Counter("aiqueue_dead_letter_purged",
			metric.WithDescription("Dead-letter records purged by age"))
		q.reproc = must.NewInt64Counter("aiqueue_dead_letter_reprocessed",
			metric.WithDescription("Dead-letter records re-delivered to their queue"))
		q.reprocFail = must.NewInt64Counter("aiqueue_dead_letter_reprocess_failed",
			metric.WithDescription("Failed re-delivery attempts"))
	})
}

// Name returns the queue name.
func (q *Queue) Name() jobs.Name {
	return jobs.DeadLetter
}

// Size returns the number of records across both destinations.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	pipe := q.Redis.Pipeline()
	defer pipe.Close()
	listLen := pipe.LLen(ctx, q.Keys.DeadLetterList)
	streamLen := pipe.XLen(ctx, q.Keys.DeadLetterStream)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to get dead-letter size: %w", err)
	}
	return listLen.Val() + streamLen.Val(), nil
}

// List returns all records, list destination first.
// Records that fail to decode are returned with an empty QueueName.
func (q *Queue) List(ctx context.Context) ([]*Record, error) {
	raws, err := q.Redis.LRange(ctx, q.Keys.DeadLetterList, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}
	msgs, err := q.Redis.XRange(ctx, q.Keys.DeadLetterStream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream: %w", err)
	}
	records := make([]*Record, 0, len(raws)+len(msgs))
	for _, raw := range raws {
		records = append(records, decodeRecord(raw, ""))
	}
	for _, msg := range msgs {
		raw, _ := msg.Values[redisqueue.DeadLetterField].(string)
		records = append(records, decodeRecord(raw, msg.ID))
	}
	return records, nil
}

func decodeRecord(raw string, id string) *Record {
	rec := &Record{ID: id, raw: raw}
	if err := json.Unmarshal([]byte(raw), &rec.DeadLetterItem); err != nil {
		rec.DeadLetterItem = redisqueue.DeadLetterItem{}
	}
	return rec
}

func (r *Record) valid() bool {
	return r.QueueName != "" && r.Item != nil
}

// Remove deletes a record.
func (q *Queue) Remove(ctx context.Context, rec *Record) error {
	var err error
	if rec.ID != "" {
		err = q.Redis.XDel(ctx, q.Keys.DeadLetterStream, rec.ID).Err()
	} else {
		err = q.Redis.LRem(ctx, q.Keys.DeadLetterList, 1, rec.raw).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to remove dead-letter record: %w", err)
	}
	return nil
}

// Maintain runs one maintenance pass.
// Safe to call repeatedly and from multiple processes.
func (q *Queue) Maintain(ctx context.Context, resolver Resolver) (Stats, error) {
	return q.pass(ctx, resolver, true)
}

// RequeueAll re-delivers all records regardless of age.
func (q *Queue) RequeueAll(ctx context.Context, resolver Resolver) (Stats, error) {
	return q.pass(ctx, resolver, false)
}

func (q *Queue) pass(ctx context.Context, resolver Resolver, purge bool) (Stats, error) {
	q.init()
	var stats Stats
	records, err := q.List(ctx)
	if err != nil {
		return stats, err
	}
	now := q.now()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !rec.valid() {
			q.Log.Warn("Purging malformed dead-letter record", zap.String("entry_id", rec.ID))
			if err := q.Remove(ctx, rec); err != nil {
				return stats, err
			}
			stats.Purged++
			continue
		}
		labels := attribute.String("queue", string(rec.QueueName))
		log := q.Log.With(
			zap.String("queue", string(rec.QueueName)),
			zap.Time("dead_lettered_at", rec.Time()))
		if purge && now.Sub(rec.Time()) > q.MaxAge {
			if err := q.Remove(ctx, rec); err != nil {
				return stats, err
			}
			log.Info("Purged expired dead-letter record")
			q.purged.Add(ctx, 1, labels)
			stats.Purged++
			continue
		}
		if err := q.reprocess(ctx, resolver, rec); err != nil {
			log.Error("Failed to reprocess dead-letter record", zap.Error(err))
			q.reprocFail.Add(ctx, 1, labels)
			stats.Failed++
			continue
		}
		if err := q.Remove(ctx, rec); err != nil {
			return stats, err
		}
		log.Info("Reprocessed dead-letter record")
		q.reproc.Add(ctx, 1, labels)
		stats.Reprocessed++
	}
	return stats, nil
}

func (q *Queue) reprocess(ctx context.Context, resolver Resolver, rec *Record) error {
	queue, err := resolver.GetQueue(rec.QueueName)
	if err != nil {
		return err
	}
	return queue.Requeue(ctx, rec.Item)
}
