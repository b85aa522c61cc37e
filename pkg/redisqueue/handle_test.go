package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redistest"
)

func readDeadLetters(t *testing.T, ctx context.Context, q *Queue, instance *redistest.Redis) []DeadLetterItem {
	var raws []string
	switch q.Options.Mode {
	case ModeStream:
		msgs, err := instance.Client.XRange(ctx, q.Keys.DeadLetterStream, "-", "+").Result()
		require.NoError(t, err)
		for _, msg := range msgs {
			raws = append(raws, msg.Values[DeadLetterField].(string))
		}
	default:
		var err error
		raws, err = instance.Client.LRange(ctx, q.Keys.DeadLetterList, 0, -1).Result()
		require.NoError(t, err)
	}
	items := make([]DeadLetterItem, len(raws))
	for i, raw := range raws {
		require.NoError(t, json.Unmarshal([]byte(raw), &items[i]))
	}
	return items
}

func TestQueue_ProcessNext_RetryCeiling(t *testing.T) {
	runModes(t, func(t *testing.T, ctx context.Context, q *Queue, instance *redistest.Redis) {
		require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
		var attempts int
		plan := func(job *jobs.Job) (*Task, error) {
			return &Task{
				Key:     "test:1",
				Timeout: time.Second,
				Run: func(ctx context.Context) error {
					attempts++
					return fmt.Errorf("failure %d", attempts)
				},
			}, nil
		}
		for i := 0; i < 10; i++ {
			ok, err := q.ProcessNext(ctx, plan)
			require.NoError(t, err)
			if !ok {
				break
			}
		}
		assert.Equal(t, q.Options.MaxRetries+1, attempts)

		items := readDeadLetters(t, ctx, q, instance)
		require.Len(t, items, 1)
		assert.Equal(t, jobs.Name("test"), items[0].QueueName)
		assert.Equal(t, "failure 4", items[0].ErrorMessage)
		assert.NotEmpty(t, items[0].ErrorStack)
		assert.Nil(t, items[0].Item.Accountability)
		assert.Nil(t, items[0].Item.Schema)
		assert.JSONEq(t, `{"id":1}`, string(items[0].Item.Payload))
		assert.WithinDuration(t, time.Now(), items[0].Time(), time.Minute)

		// Counter is cleared after dead-lettering.
		count, err := q.RetryCount(ctx, "test:1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestQueue_ProcessNext_RecoverClearsCounter(t *testing.T) {
	runModes(t, func(t *testing.T, ctx context.Context, q *Queue, instance *redistest.Redis) {
		require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
		var attempts int
		plan := func(job *jobs.Job) (*Task, error) {
			return &Task{
				Key:     "test:1",
				Timeout: time.Second,
				Run: func(ctx context.Context) error {
					attempts++
					if attempts < 3 {
						return errors.New("flaky")
					}
					return nil
				},
			}, nil
		}
		for i := 0; i < 10; i++ {
			ok, err := q.ProcessNext(ctx, plan)
			require.NoError(t, err)
			if !ok {
				break
			}
		}
		assert.Equal(t, 3, attempts)
		assert.Empty(t, readDeadLetters(t, ctx, q, instance))
		count, err := q.RetryCount(ctx, "test:1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestQueue_ProcessNext_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q := newQueue(t, instance, ModeList)

	require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
	ok, err := q.ProcessNext(ctx, func(job *jobs.Job) (*Task, error) {
		return &Task{
			Key:     "test:slow",
			Timeout: 50 * time.Millisecond,
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	// Timeouts count as failures.
	count, err := q.RetryCount(ctx, "test:slow")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestQueue_ProcessNext_Contention(t *testing.T) {
	runModes(t, func(t *testing.T, ctx context.Context, q *Queue, instance *redistest.Redis) {
		require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
		// Another consumer holds the lock.
		require.NoError(t, instance.Client.Set(ctx, q.Locker.Key("test:1"), "other", time.Minute).Err())
		var attempts int
		ok, err := q.ProcessNext(ctx, func(job *jobs.Job) (*Task, error) {
			return &Task{
				Key:     "test:1",
				Timeout: time.Second,
				Run: func(ctx context.Context) error {
					attempts++
					return nil
				},
			}, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, attempts)
		size, err := q.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), size, "job pushed back")
		count, err := q.RetryCount(ctx, "test:1")
		require.NoError(t, err)
		assert.Equal(t, 0, count, "contention is not a failure")
	})
}

func TestQueue_ProcessNext_PlanError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q := newQueue(t, instance, ModeList)

	require.NoError(t, q.Push(ctx, newTestJob(t, 1), newTestJob(t, 2)))
	ok, err := q.ProcessNext(ctx, func(job *jobs.Job) (*Task, error) {
		return nil, errors.New("bad payload")
	})
	require.NoError(t, err)
	assert.True(t, ok)
	// Skipped jobs leave no trace.
	ok, err = q.ProcessNext(ctx, func(job *jobs.Job) (*Task, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)

	items := readDeadLetters(t, ctx, q, instance)
	require.Len(t, items, 1)
	assert.Equal(t, "bad payload", items[0].ErrorMessage)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestAppendDeadLetter_Trim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q := newQueue(t, instance, ModeList)
	q.Options.DeadLetterMaxLen = 3

	for i := 0; i < 5; i++ {
		require.NoError(t, q.HandleFailed(ctx, newTestJob(t, i), fmt.Errorf("e%d", i)))
	}
	items := readDeadLetters(t, ctx, q, instance)
	require.Len(t, items, 3)
	assert.Equal(t, "e2", items[0].ErrorMessage)
	assert.Equal(t, "e4", items[2].ErrorMessage)
}
