package redisqueue

import (
	"context"
	"errors"
	"time"

	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap"
)

// Task is the work derived from one job.
type Task struct {
	Key     string        // logical lock and retry counter key
	Timeout time.Duration // budget of Run
	Run     func(ctx context.Context) error
}

// Planner turns a job into a Task.
// Returning a nil Task without error skips the job.
// Returning an error dead-letters the job immediately.
type Planner func(job *jobs.Job) (*Task, error)

// ProcessNext dequeues one job and runs it through the retry policy:
//
//   - the task runs under the lock of its key, a job whose key is locked elsewhere is pushed back;
//   - success clears the retry counter;
//   - a failure is retried (pushed back) until the counter reached MaxRetries,
//     the next failure dead-letters the job.
//
// Returns false if the queue was empty.
// Errors are only returned for failures of Redis itself.
func (q *Queue) ProcessNext(ctx context.Context, plan Planner) (bool, error) {
	d, err := q.Dequeue(ctx)
	if err != nil || d == nil {
		return false, err
	}
	if err := q.handle(ctx, d.Job, plan); err != nil {
		return true, err
	}
	return true, d.Ack(ctx)
}

func (q *Queue) handle(ctx context.Context, job *jobs.Job, plan Planner) error {
	task, err := plan(job)
	if err != nil {
		return q.HandleFailed(ctx, job, err)
	}
	if task == nil {
		return nil
	}
	log := q.Log.With(zap.String("queue", string(q.Name)), zap.String("key", task.Key))

	acquired, runErr := q.Locker.WithLock(ctx, task.Key, task.Timeout, task.Run)
	if !acquired {
		if runErr != nil {
			return runErr
		}
		log.Debug("Job locked by other consumer, pushing back")
		return q.Push(ctx, job)
	}
	if runErr == nil {
		q.meter("processed").Mark(1)
		return q.ClearRetry(ctx, task.Key)
	}
	if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		// Shutting down: hand the job back for another consumer.
		pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Push(pushCtx, job); err != nil {
			log.Error("Failed to push back job on shutdown", zap.Error(err))
		}
		return runErr
	}

	count, err := q.RetryCount(ctx, task.Key)
	if err != nil {
		return err
	}
	if count >= q.Options.MaxRetries {
		if err := q.HandleFailed(ctx, job, runErr); err != nil {
			return err
		}
		return q.ClearRetry(ctx, task.Key)
	}
	_, err = q.HandleRetry(ctx, task.Key, func(ctx context.Context) error {
		return q.Push(ctx, job)
	}, runErr)
	return err
}
