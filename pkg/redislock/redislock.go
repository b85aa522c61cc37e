// Package redislock provides a non-blocking distributed lock on top of Redis.
//
// A lock is a single key set with SET NX PX to a random token.
// Only the holder of the token may release it,
// so a holder whose TTL lapsed mid-operation cannot delete
// a lock that another process acquired in the meantime.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMinTTL is the lower bound of the lock expiry.
const DefaultMinTTL = time.Minute

// ErrTimeout is returned when a guarded operation exceeds its budget.
var ErrTimeout = errors.New("lock operation timed out")

// Script: Delete lock if owned.
// Argument 1: Token
// Key 1: Lock key
// Returns 1 if the lock was released, 0 otherwise.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var release = redis.NewScript(releaseScript)

// Locker hands out locks under a common key scope.
type Locker struct {
	Redis redis.UniversalClient
	Log   *zap.Logger
	Scope string
	// MinTTL overrides DefaultMinTTL if set.
	MinTTL time.Duration
}

// Lock is an acquired lock.
type Lock struct {
	Key   string
	Token string

	rd redis.UniversalClient
}

// Key returns the Redis key of a logical lock.
func (l *Locker) Key(key string) string {
	return "lock:" + l.Scope + ":" + key
}

// TTL returns the expiry used for an operation with the given timeout.
func (l *Locker) TTL(timeout time.Duration) time.Duration {
	minTTL := l.MinTTL
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}
	ttl := 2 * timeout
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

// Acquire tries to take the lock once.
// Returns nil without error if the lock is held by someone else.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{
		Key:   l.Key(key),
		Token: uuid.NewString(),
		rd:    l.Redis,
	}
	ok, err := l.Redis.SetNX(ctx, lock.Key, lock.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// Release deletes the lock if it is still owned by this token.
func (k *Lock) Release(ctx context.Context) (bool, error) {
	n, err := release.Run(ctx, k.rd, []string{k.Key}, k.Token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock via Lua: %w", err)
	}
	return n == 1, nil
}

// WithLock runs op while holding the lock of key.
//
// If the lock is held elsewhere, WithLock returns immediately with acquired=false
// and op is not called.
// op receives a context that is canceled after timeout.
// If op does not return in time, WithLock returns ErrTimeout
// and the lock stays held until op actually returns (or the TTL lapses).
func (l *Locker) WithLock(
	ctx context.Context,
	key string,
	timeout time.Duration,
	op func(ctx context.Context) error,
) (acquired bool, err error) {
	lock, err := l.Acquire(ctx, key, l.TTL(timeout))
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	log := l.Log.With(zap.String("lock_key", lock.Key))

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- op(opCtx)
	}()

	finish := func(opErr error) (bool, error) {
		cancel()
		elapsed := time.Since(start)
		if elapsed > timeout*8/10 {
			log.Warn("Slow operation under lock",
				zap.Duration("elapsed", elapsed),
				zap.Duration("timeout", timeout))
		}
		l.release(lock, log)
		return true, opErr
	}
	select {
	case opErr := <-done:
		return finish(opErr)
	case <-opCtx.Done():
	}
	select {
	case opErr := <-done:
		return finish(opErr)
	default:
	}

	// Operation did not finish in time, leave it running.
	go func() {
		<-done
		cancel()
		l.release(lock, log)
	}()
	if err := ctx.Err(); err != nil {
		return true, err
	}
	log.Warn("Operation timed out under lock", zap.Duration("timeout", timeout))
	return true, fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

func (l *Locker) release(lock *Lock, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	released, err := lock.Release(ctx)
	if err != nil {
		log.Error("Failed to release lock", zap.Error(err))
	} else if !released {
		log.Warn("Lock expired before release")
	}
}
