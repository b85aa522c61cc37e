package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap"
)

// streamField is the stream entry field holding the encoded job.
const streamField = "job"

// Enqueue adds jobs whose payload was not accepted within the dedup window.
// Returns the number of jobs added.
func (q *Queue) Enqueue(ctx context.Context, batch []*jobs.Job) (int, error) {
	q.init()
	if len(batch) == 0 {
		return 0, nil
	}
	payloads := make([][]byte, len(batch))
	for i, job := range batch {
		payloads[i] = job.Payload
	}
	fresh, err := q.Dedup.Claim(ctx, string(q.Name), payloads)
	if err != nil {
		return 0, err
	}
	newJobs := make([]*jobs.Job, 0, len(batch))
	claimed := make([][]byte, 0, len(batch))
	for i, job := range batch {
		if fresh[i] {
			newJobs = append(newJobs, job)
			claimed = append(claimed, job.Payload)
		}
	}
	if dups := len(batch) - len(newJobs); dups > 0 {
		q.Log.Debug("Skipping duplicate jobs",
			zap.String("queue", string(q.Name)),
			zap.Int("duplicates", dups))
		q.meter("deduplicated").Mark(int64(dups))
	}
	if len(newJobs) == 0 {
		return 0, nil
	}
	if err := q.Push(ctx, newJobs...); err != nil {
		// Let a resubmission within the window through.
		if releaseErr := q.Dedup.Release(ctx, string(q.Name), claimed); releaseErr != nil {
			q.Log.Error("Failed to release dedup markers",
				zap.String("queue", string(q.Name)),
				zap.Error(releaseErr))
		}
		return 0, err
	}
	return len(newJobs), nil
}

// Push adds jobs to the queue without deduplication.
func (q *Queue) Push(ctx context.Context, batch ...*jobs.Job) error {
	q.init()
	if len(batch) == 0 {
		return nil
	}
	values := make([]interface{}, len(batch))
	for i, job := range batch {
		buf, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		values[i] = buf
	}
	switch q.Options.Mode {
	case ModeStream:
		pipe := q.Redis.Pipeline()
		defer pipe.Close()
		for _, value := range values {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.Keys.Queue,
				Values: []interface{}{streamField, value},
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to append to stream: %w", err)
		}
	default:
		if err := q.Redis.RPush(ctx, q.Keys.Queue, values...).Err(); err != nil {
			return fmt.Errorf("failed to push to list: %w", err)
		}
	}
	q.meter("enqueued").Mark(int64(len(batch)))
	return nil
}

// Size returns the number of jobs in the queue.
// In stream mode this includes delivered entries that are not acknowledged yet.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	switch q.Options.Mode {
	case ModeStream:
		return q.Redis.XLen(ctx, q.Keys.Queue).Result()
	default:
		return q.Redis.LLen(ctx, q.Keys.Queue).Result()
	}
}
