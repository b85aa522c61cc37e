package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.uber.org/zap"
)

// Delivery is a job handed to a consumer.
type Delivery struct {
	Job *jobs.Job
	ID  string // stream entry ID, empty in list mode

	ack func(ctx context.Context) error
}

// Ack acknowledges the delivery. Subsequent calls are no-ops.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	ack := d.ack
	d.ack = nil
	return ack(ctx)
}

// Dequeue takes the next job off the queue.
// Returns nil without error if the queue is empty.
// Malformed entries are logged and dropped.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	q.init()
	for {
		var d *Delivery
		var raw string
		var err error
		switch q.Options.Mode {
		case ModeStream:
			d, raw, err = q.readStream(ctx)
		default:
			d, raw, err = q.popList(ctx)
		}
		if err != nil || d == nil {
			return nil, err
		}
		job := new(jobs.Job)
		if err := json.Unmarshal([]byte(raw), job); err != nil {
			q.Log.Error("Dropping malformed job",
				zap.String("queue", string(q.Name)),
				zap.String("entry_id", d.ID),
				zap.Error(err))
			if err := d.Ack(ctx); err != nil {
				return nil, err
			}
			continue
		}
		d.Job = job
		if q.Options.Mode == ModeStream && !q.Options.DeferAck {
			if err := d.Ack(ctx); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
}

func (q *Queue) popList(ctx context.Context) (*Delivery, string, error) {
	raw, err := q.Redis.LPop(ctx, q.Keys.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	} else if err != nil {
		return nil, "", fmt.Errorf("failed to pop from list: %w", err)
	}
	return &Delivery{}, raw, nil
}

func (q *Queue) readStream(ctx context.Context) (*Delivery, string, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, "", err
	}
	msg, err := q.reclaim(ctx)
	if err != nil {
		return nil, "", err
	}
	if msg == nil {
		block := q.Options.ReadBlock
		if block <= 0 {
			block = -1 // don't block
		}
		streams, err := q.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.Keys.Group,
			Consumer: q.Consumer,
			Streams:  []string{q.Keys.Queue, ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, "", nil
		} else if err != nil {
			return nil, "", fmt.Errorf("failed to read from stream: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			return nil, "", nil
		}
		msg = &streams[0].Messages[0]
	}
	id := msg.ID
	d := &Delivery{
		ID: id,
		ack: func(ctx context.Context) error {
			return q.ack(ctx, id)
		},
	}
	raw, _ := msg.Values[streamField].(string)
	return d, raw, nil
}

// ack removes a stream entry from the pending list and the stream.
func (q *Queue) ack(ctx context.Context, id string) error {
	pipe := q.Redis.TxPipeline()
	defer pipe.Close()
	pipe.XAck(ctx, q.Keys.Queue, q.Keys.Group, id)
	pipe.XDel(ctx, q.Keys.Queue, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack stream entry %s: %w", id, err)
	}
	return nil
}

// ensureGroup creates the stream and consumer group if needed.
func (q *Queue) ensureGroup(ctx context.Context) error {
	q.groupLock.Lock()
	defer q.groupLock.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.Redis.XGroupCreateMkStream(ctx, q.Keys.Queue, q.Keys.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	q.groupReady = true
	return nil
}
