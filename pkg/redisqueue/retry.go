package redisqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func (q *Queue) retryKey(key string) string {
	return q.Keys.RetryPrefix + key
}

// RetryCount returns the number of retries recorded for a job key.
func (q *Queue) RetryCount(ctx context.Context, key string) (int, error) {
	n, err := q.Redis.Get(ctx, q.retryKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to get retry count: %w", err)
	}
	return n, nil
}

// HandleRetry bumps the retry counter of key and calls retry
// unless the counter went past MaxRetries.
//
// HandleRetry does not stop callers from retrying forever on its own:
// check RetryCount against MaxRetries before calling it.
// Returns the attempt number recorded.
func (q *Queue) HandleRetry(
	ctx context.Context,
	key string,
	retry func(ctx context.Context) error,
	cause error,
) (int, error) {
	q.init()
	pipe := q.Redis.TxPipeline()
	defer pipe.Close()
	incr := pipe.Incr(ctx, q.retryKey(key))
	pipe.Expire(ctx, q.retryKey(key), q.Options.RetryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to bump retry count: %w", err)
	}
	attempt := int(incr.Val())
	q.Log.Warn("Job failed, retrying",
		zap.String("queue", string(q.Name)),
		zap.String("key", key),
		zap.String("attempt", fmt.Sprintf("%d/%d", attempt, q.Options.MaxRetries)),
		zap.Error(cause))
	q.meter("retried").Mark(1)
	if attempt > q.Options.MaxRetries {
		return attempt, nil
	}
	if err := retry(ctx); err != nil {
		return attempt, fmt.Errorf("failed to retry: %w", err)
	}
	return attempt, nil
}

// ClearRetry resets the retry counter of key.
func (q *Queue) ClearRetry(ctx context.Context, key string) error {
	if err := q.Redis.Del(ctx, q.retryKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear retry count: %w", err)
	}
	return nil
}
