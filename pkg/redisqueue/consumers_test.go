package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redistest"
)

func TestQueue_RoundTrip(t *testing.T) {
	runModes(t, func(t *testing.T, ctx context.Context, q *Queue, _ *redistest.Redis) {
		job, err := jobs.NewJob(testPayload{ID: 7, Text: "héllo \"world\""},
			&jobs.Accountability{User: "u1", Role: "r", Admin: true}, []byte(`{"collections":{"a":1}}`))
		require.NoError(t, err)
		require.NoError(t, q.Push(ctx, job))

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.JSONEq(t, string(job.Payload), string(d.Job.Payload))
		assert.Equal(t, job.Accountability, d.Job.Accountability)
		assert.JSONEq(t, string(job.Schema), string(d.Job.Schema))
		require.NoError(t, d.Ack(ctx))

		d, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, d)
		size, err := q.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), size)
	})
}

func TestQueue_Dequeue_Malformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q := newQueue(t, instance, ModeList)

	require.NoError(t, instance.Client.RPush(ctx, q.Keys.Queue, "{not json").Err())
	require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.JSONEq(t, `{"id":1}`, string(d.Job.Payload))
}

func TestQueue_DeferAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q := newQueue(t, instance, ModeStream)
	q.Options.DeferAck = true

	require.NoError(t, q.Push(ctx, newTestJob(t, 1)))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	pending, err := instance.Client.XPending(ctx, q.Keys.Queue, q.Keys.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Ack(ctx))
	pending, err = instance.Client.XPending(ctx, q.Keys.Queue, q.Keys.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestQueue_Reclaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)

	crashed := newQueue(t, instance, ModeStream)
	crashed.Options.DeferAck = true
	crashed.Options.ReclaimIdle = 50 * time.Millisecond
	survivor := newQueue(t, instance, ModeStream)
	survivor.Options.DeferAck = true
	survivor.Options.ReclaimIdle = 50 * time.Millisecond

	require.NoError(t, crashed.Push(ctx, newTestJob(t, 1)))
	lost, err := crashed.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lost)

	// Not idle long enough yet.
	d, err := survivor.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	time.Sleep(100 * time.Millisecond)
	d, err = survivor.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, lost.ID, d.ID)
	assert.JSONEq(t, `{"id":1}`, string(d.Job.Payload))
	require.NoError(t, d.Ack(ctx))

	// The fallback path claims the same way.
	require.NoError(t, crashed.Push(ctx, newTestJob(t, 2)))
	lost, err = crashed.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lost)
	time.Sleep(100 * time.Millisecond)
	msg, err := survivor.claimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, lost.ID, msg.ID)
}
