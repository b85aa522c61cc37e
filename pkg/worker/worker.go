// Package worker drives queue consumers in a poll loop.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap"
)

// Loop polls queues one after another.
//
// Every cycle drains each queue: Process is called until Size stops shrinking
// or MaxIterations calls were made.
// When a cycle made no progress the loop sleeps, doubling the pause up to IdleMax.
type Loop struct {
	Queues        []jobs.Queue
	Log           *zap.Logger
	MaxIterations int
	IdleMin       time.Duration
	IdleMax       time.Duration
}

// Run polls until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = l.IdleMin
	idle.MaxInterval = l.IdleMax
	idle.MaxElapsedTime = 0
	idle.Reset()
	for {
		worked, err := l.Cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.Log.Error("Poll cycle failed", zap.Error(err))
		}
		if worked && err == nil {
			idle.Reset()
			continue
		}
		pause := idle.NextBackOff()
		l.Log.Debug("Idle", zap.Duration("pause", pause))
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cycle drains every queue once and reports whether any queue made progress.
// A failing queue does not stop the others, the first error is returned.
func (l *Loop) Cycle(ctx context.Context) (bool, error) {
	worked := false
	var firstErr error
	for _, q := range l.Queues {
		n, err := l.Drain(ctx, q)
		if n > 0 {
			worked = true
		}
		if err != nil {
			if ctx.Err() != nil {
				return worked, ctx.Err()
			}
			l.Log.Error("Queue failed", zap.String("queue", string(q.Name())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return worked, firstErr
}

// Drain calls Process at least once, then while the queue keeps shrinking
// and MaxIterations is not reached.
// Returns the number of Process calls that made the queue shrink.
func (l *Loop) Drain(ctx context.Context, q jobs.Queue) (int, error) {
	limit := l.MaxIterations
	if limit <= 0 {
		limit = 1
	}
	size, err := q.Size(ctx)
	if err != nil {
		return 0, err
	}
	busy := 0
	for i := 0; i < limit; i++ {
		if err := q.Process(ctx); err != nil {
			return busy, err
		}
		if size == 0 {
			break
		}
		after, err := q.Size(ctx)
		if err != nil {
			return busy, err
		}
		if after >= size {
			// Waiting jobs that cannot run yet, or a producer outpacing us.
			l.Log.Debug("Queue not shrinking", zap.String("queue", string(q.Name())), zap.Int64("size", after))
			break
		}
		busy++
		if after == 0 {
			break
		}
		size = after
	}
	if busy == limit {
		l.Log.Debug("Iteration cap reached", zap.String("queue", string(q.Name())), zap.Int("max_iterations", limit))
	}
	return busy, nil
}
