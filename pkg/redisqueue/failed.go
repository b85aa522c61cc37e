package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap"
)

// DeadLetterItem is a job that exhausted its retries.
type DeadLetterItem struct {
	QueueName    jobs.Name `json:"queueName"`
	Item         *jobs.Job `json:"item"`
	ErrorMessage string    `json:"errorMessage"`
	ErrorStack   string    `json:"errorStack,omitempty"`
	Timestamp    int64     `json:"timestamp"` // Unix millis
}

// Time returns the time the item was dead-lettered.
func (d *DeadLetterItem) Time() time.Time {
	return time.Unix(0, d.Timestamp*int64(time.Millisecond))
}

// DeadLetterField is the dead-letter stream entry field holding the encoded item.
const DeadLetterField = "item"

// HandleFailed moves a job to the dead-letter destination.
// Accountability and schema are stripped from the stored job.
func (q *Queue) HandleFailed(ctx context.Context, job *jobs.Job, cause error) error {
	q.init()
	item := &DeadLetterItem{
		QueueName:    q.Name,
		Item:         job.Stripped(),
		ErrorMessage: cause.Error(),
		ErrorStack:   zap.Stack("").String,
		Timestamp:    time.Now().UnixNano() / int64(time.Millisecond),
	}
	if err := AppendDeadLetter(ctx, q.Redis, q.Keys, q.Options, item); err != nil {
		return err
	}
	q.Log.Error("Job dead-lettered",
		zap.String("queue", string(q.Name)),
		zap.ByteString("payload", job.Payload),
		zap.Error(cause))
	q.meter("dead_lettered").Mark(1)
	return nil
}

// AppendDeadLetter stores an item in the dead-letter destination of the given mode
// and trims the destination to opts.DeadLetterMaxLen.
func AppendDeadLetter(ctx context.Context, rd redis.UniversalClient, keys Keys, opts Options, item *DeadLetterItem) error {
	buf, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter item: %w", err)
	}
	switch opts.Mode {
	case ModeStream:
		err = rd.XAdd(ctx, &redis.XAddArgs{
			Stream: keys.DeadLetterStream,
			MaxLen: opts.DeadLetterMaxLen,
			Approx: true,
			Values: []interface{}{DeadLetterField, buf},
		}).Err()
	default:
		pipe := rd.TxPipeline()
		defer pipe.Close()
		pipe.RPush(ctx, keys.DeadLetterList, buf)
		if opts.DeadLetterMaxLen > 0 {
			pipe.LTrim(ctx, keys.DeadLetterList, -opts.DeadLetterMaxLen, -1)
		}
		_, err = pipe.Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to store dead-letter item: %w", err)
	}
	return nil
}
