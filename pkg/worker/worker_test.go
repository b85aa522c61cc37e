package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap/zaptest"
)

type countQueue struct {
	name      jobs.Name
	remaining int64
	calls     int
	err       error
	stuck     bool
}

func (c *countQueue) Name() jobs.Name { return c.name }

func (c *countQueue) Process(context.Context) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	if c.remaining > 0 && !c.stuck {
		c.remaining--
	}
	return nil
}

func (c *countQueue) Size(context.Context) (int64, error) { return c.remaining, nil }

func (c *countQueue) Requeue(context.Context, *jobs.Job) error { return nil }

func TestLoop_Drain(t *testing.T) {
	l := &Loop{Log: zaptest.NewLogger(t), MaxIterations: 5}
	ctx := context.Background()

	q := &countQueue{name: jobs.Embedding, remaining: 3}
	n, err := l.Drain(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, q.calls)

	q = &countQueue{name: jobs.Embedding, remaining: 8}
	n, err = l.Drain(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(3), q.remaining)

	// Empty queues are still polled once.
	q = &countQueue{name: jobs.GrantExtraction}
	n, err = l.Drain(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, q.calls)

	// Jobs that stay in the queue end the drain.
	q = &countQueue{name: jobs.GrantExtraction, remaining: 4, stuck: true}
	n, err = l.Drain(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, q.calls)
}

func TestLoop_Cycle(t *testing.T) {
	failing := &countQueue{name: jobs.Embedding, remaining: 1, err: errors.New("redis down")}
	ok := &countQueue{name: jobs.DocumentParsing, remaining: 1}
	l := &Loop{Queues: []jobs.Queue{failing, ok}, Log: zaptest.NewLogger(t), MaxIterations: 5}
	worked, err := l.Cycle(context.Background())
	assert.EqualError(t, err, "redis down")
	assert.True(t, worked)
	assert.Equal(t, int64(0), ok.remaining, "other queues still drained")
}

func TestLoop_Run(t *testing.T) {
	q := &countQueue{name: jobs.Embedding, remaining: 2}
	l := &Loop{
		Queues:        []jobs.Queue{q},
		Log:           zaptest.NewLogger(t),
		MaxIterations: 1,
		IdleMin:       time.Millisecond,
		IdleMax:       5 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), q.remaining)
	assert.Greater(t, q.calls, 2, "keeps polling when idle")
}

func TestLoop_Run_Stuck(t *testing.T) {
	q := &countQueue{name: jobs.GrantExtraction, remaining: 3, stuck: true}
	l := &Loop{
		Queues:        []jobs.Queue{q},
		Log:           zaptest.NewLogger(t),
		MaxIterations: 10,
		IdleMin:       20 * time.Millisecond,
		IdleMax:       40 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, q.calls, 1)
	assert.Less(t, q.calls, 20, "backs off while the queue does not shrink")
}
