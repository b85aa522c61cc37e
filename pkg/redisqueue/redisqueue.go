// Package redisqueue provides the job queue engine shared by all AI queues.
//
// Transports
//
// A queue is either a Redis list (RPUSH / LPOP) or a Redis stream read through a consumer group.
// List mode has no consumer coordination: a job popped by a crashed process is lost.
// Stream mode lets multiple processes share a queue.
// Before reading new entries, a consumer reclaims entries that were delivered
// to another consumer but left unacknowledged for longer than ReclaimIdle.
//
// Delivery
//
// Delivery is at-least-once. Consumers must be idempotent.
// By default stream entries are acknowledged (XACK + XDEL) as soon as they are read.
// With DeferAck the acknowledgement is delayed until the job was handled,
// so a crash mid-job leaves the entry pending for reclaim.
//
// Failures
//
// Failed jobs are retried through a per-job counter (INCR + EXPIRE) up to MaxRetries,
// then moved to the shared dead-letter destination with the final error.
// The dead-letter destination mirrors the queue transport (list or stream)
// and is trimmed to DeadLetterMaxLen entries.
package redisqueue

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisdedup"
	"go.od2.network/aiqueue/pkg/redislock"
	"go.uber.org/zap"
)

// Mode selects the transport of a queue.
type Mode string

// Transports.
const (
	ModeList   Mode = "list"
	ModeStream Mode = "stream"
)

// ParseMode parses a transport name from config.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeList, ModeStream:
		return m, nil
	case "":
		return ModeList, nil
	default:
		return "", fmt.Errorf("invalid queue mode: %q", s)
	}
}

// Options control queue behavior.
type Options struct {
	Mode             Mode
	MaxRetries       int           // attempts after the first one
	RetryTTL         time.Duration // retry counter expiry
	ReclaimIdle      time.Duration // min idle time of stuck stream entries
	ReadBlock        time.Duration // XREADGROUP block time
	DeadLetterMaxLen int64         // dead-letter destination size cap
	DeferAck         bool          // ack stream entries after handling
}

// DefaultOptions returns the default queue options.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeList,
		MaxRetries:       3,
		RetryTTL:         time.Hour,
		ReclaimIdle:      60 * time.Second,
		ReadBlock:        100 * time.Millisecond,
		DeadLetterMaxLen: 1000,
	}
}

// Keys holds the Redis keys used.
type Keys struct {
	Queue            string // list or stream of jobs
	Group            string // stream consumer group
	RetryPrefix      string // prefix of retry counters
	DeadLetterList   string // dead-letter destination (list mode)
	DeadLetterStream string // dead-letter destination (stream mode)
}

// KeysForPrefix creates Keys with a common prefix.
func KeysForPrefix(prefix string, name jobs.Name) Keys {
	dlq := DeadLetterKeysForPrefix(prefix)
	return Keys{
		Queue:            prefix + ":queue:" + string(name),
		Group:            string(name),
		RetryPrefix:      prefix + ":retry:",
		DeadLetterList:   dlq.DeadLetterList,
		DeadLetterStream: dlq.DeadLetterStream,
	}
}

// DeadLetterKeysForPrefix returns the keys of the shared dead-letter destinations.
func DeadLetterKeysForPrefix(prefix string) Keys {
	return Keys{
		DeadLetterList:   prefix + ":dlq",
		DeadLetterStream: prefix + ":dlq:stream",
	}
}

// NewConsumerID returns a consumer name unique to this process.
func NewConsumerID() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()[:8])
}

// Queue is a Redis-backed job queue.
type Queue struct {
	// Required components
	Name   jobs.Name
	Redis  redis.UniversalClient
	Log    *zap.Logger
	Dedup  redisdedup.Set
	Locker *redislock.Locker
	// Required config
	Keys    Keys
	Options Options
	// Optional
	Consumer string           // stream consumer, defaults to NewConsumerID()
	Metrics  metrics.Registry // defaults to metrics.DefaultRegistry

	initOnce   sync.Once
	groupLock  sync.Mutex
	groupReady bool
}

func (q *Queue) init() {
	q.initOnce.Do(func() {
		if q.Consumer == "" {
			q.Consumer = NewConsumerID()
		}
		if q.Metrics == nil {
			q.Metrics = metrics.DefaultRegistry
		}
		if q.Log == nil {
			q.Log = zap.NewNop()
		}
	})
}

func (q *Queue) meter(event string) metrics.Meter {
	return metrics.GetOrRegisterMeter("queue."+string(q.Name)+"."+event, q.Metrics)
}
