package redisqueue

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// reclaim takes over one stream entry that another consumer left pending
// for longer than ReclaimIdle.
// Returns nil if there is nothing to reclaim.
func (q *Queue) reclaim(ctx context.Context) (*redis.XMessage, error) {
	msg, err := q.autoClaim(ctx)
	if err == nil {
		return msg, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	q.Log.Debug("XAUTOCLAIM failed, falling back to XPENDING",
		zap.String("queue", string(q.Name)),
		zap.Error(err))
	return q.claimPending(ctx)
}

// autoClaim runs XAUTOCLAIM (Redis 6.2+).
//
// The reply is decoded by hand since its length differs across Redis versions
// (Redis 7 appends a list of deleted IDs).
func (q *Queue) autoClaim(ctx context.Context) (*redis.XMessage, error) {
	res, err := q.Redis.Do(ctx, "XAUTOCLAIM",
		q.Keys.Queue, q.Keys.Group, q.Consumer,
		q.Options.ReclaimIdle.Milliseconds(), "0-0",
		"COUNT", 1).Result()
	if err != nil {
		return nil, err
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) < 2 {
		return nil, fmt.Errorf("invalid XAUTOCLAIM reply: %#v", res)
	}
	entries, ok := parts[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid XAUTOCLAIM entries: %#v", parts[1])
	}
	for _, entryI := range entries {
		entry, ok := entryI.([]interface{})
		if !ok || len(entry) < 2 {
			continue // deleted entry (Redis 6.2)
		}
		msg, err := decodeXMessage(entry)
		if err != nil {
			return nil, err
		}
		q.logReclaimed(msg.ID)
		return msg, nil
	}
	return nil, nil
}

// claimPending inspects the pending list and claims the first idle entry.
func (q *Queue) claimPending(ctx context.Context) (*redis.XMessage, error) {
	pending, err := q.Redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.Keys.Queue,
		Group:  q.Keys.Group,
		Start:  "-",
		End:    "+",
		Count:  16,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	for _, p := range pending {
		if p.Idle < q.Options.ReclaimIdle {
			continue
		}
		msgs, err := q.Redis.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.Keys.Queue,
			Group:    q.Keys.Group,
			Consumer: q.Consumer,
			MinIdle:  q.Options.ReclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim entry %s: %w", p.ID, err)
		}
		if len(msgs) == 0 {
			continue // claimed by someone else in the meantime
		}
		q.logReclaimed(msgs[0].ID)
		return &msgs[0], nil
	}
	return nil, nil
}

func (q *Queue) logReclaimed(id string) {
	q.Log.Info("Reclaimed stuck stream entry",
		zap.String("queue", string(q.Name)),
		zap.String("entry_id", id))
	q.meter("reclaimed").Mark(1)
}

func decodeXMessage(entry []interface{}) (*redis.XMessage, error) {
	id, ok := entry[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid stream entry ID: %#v", entry[0])
	}
	fields, ok := entry[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid stream entry fields: %#v", entry[1])
	}
	values := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			return nil, fmt.Errorf("invalid stream entry field: %#v", fields[i])
		}
		values[key] = fields[i+1]
	}
	return &redis.XMessage{ID: id, Values: values}, nil
}
