package redislock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

func newLocker(t *testing.T, instance *redistest.Redis) *Locker {
	return &Locker{
		Redis: instance.Client,
		Log:   zaptest.NewLogger(t),
		Scope: "test",
	}
}

func TestLocker_TTL(t *testing.T) {
	l := &Locker{}
	assert.Equal(t, time.Minute, l.TTL(time.Second))
	assert.Equal(t, 4*time.Minute, l.TTL(2*time.Minute))
	l.MinTTL = time.Second
	assert.Equal(t, time.Second, l.TTL(200*time.Millisecond))
	assert.Equal(t, 4*time.Second, l.TTL(2*time.Second))
}

func TestLocker_WithLock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	locker := newLocker(t, instance)

	acquired, err := locker.WithLock(ctx, "a", time.Second, func(ctx context.Context) error {
		ttl, err := instance.Client.PTTL(ctx, locker.Key("a")).Result()
		assert.NoError(t, err)
		assert.Greater(t, int64(ttl), int64(55*time.Second))
		return nil
	})
	assert.True(t, acquired)
	assert.NoError(t, err)
	exists, err := instance.Client.Exists(ctx, locker.Key("a")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "lock released")

	// Errors are passed through.
	opErr := errors.New("boom")
	acquired, err = locker.WithLock(ctx, "a", time.Second, func(ctx context.Context) error {
		return opErr
	})
	assert.True(t, acquired)
	assert.Equal(t, opErr, err)
}

func TestLocker_WithLock_Exclusive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	locker := newLocker(t, instance)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		acquired, err := locker.WithLock(ctx, "item", 10*time.Second, func(ctx context.Context) error {
			close(entered)
			<-unblock
			return nil
		})
		if !acquired {
			err = errors.New("not acquired")
		}
		firstDone <- err
	}()
	<-entered

	var calls int32
	acquired, err := locker.WithLock(ctx, "item", 10*time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.False(t, acquired)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	close(unblock)
	require.NoError(t, <-firstDone)

	// Free again.
	acquired, err = locker.WithLock(ctx, "item", 10*time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	assert.True(t, acquired)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLocker_ReleaseForeignToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	locker := newLocker(t, instance)

	// Simulate the lock expiring mid-operation and being taken by another process.
	acquired, err := locker.WithLock(ctx, "x", time.Second, func(ctx context.Context) error {
		return instance.Client.Set(ctx, locker.Key("x"), "other-token", time.Minute).Err()
	})
	require.True(t, acquired)
	require.NoError(t, err)
	owner, err := instance.Client.Get(ctx, locker.Key("x")).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-token", owner)

	lock := &Lock{Key: locker.Key("x"), Token: "stale", rd: instance.Client}
	released, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLocker_WithLock_Timeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	locker := newLocker(t, instance)

	unblock := make(chan struct{})
	acquired, err := locker.WithLock(ctx, "slow", 100*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		<-unblock
		return ctx.Err()
	})
	assert.True(t, acquired)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	// Still held while the operation keeps running.
	exists, err := instance.Client.Exists(ctx, locker.Key("slow")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	close(unblock)
	assert.Eventually(t, func() bool {
		n, err := instance.Client.Exists(ctx, locker.Key("slow")).Result()
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
}
