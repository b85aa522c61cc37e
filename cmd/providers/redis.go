package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Redis config keys.
const (
	ConfRedisNetwork  = "redis.network"
	ConfRedisAddr     = "redis.addr"
	ConfRedisDB       = "redis.db"
	ConfRedisPassword = "redis.password"
	ConfRedisPoolSize = "redis.pool_size"
)

func init() {
	viper.SetDefault(ConfRedisNetwork, "tcp")
	viper.SetDefault(ConfRedisAddr, "localhost:6379")
	viper.SetDefault(ConfRedisDB, 0)
	viper.SetDefault(ConfRedisPassword, "")
	viper.SetDefault(ConfRedisPoolSize, 0)
}

// NewRedis connects the client holding locks, markers and queues.
// Blocking stream reads need a read timeout above queue.read_block.
func NewRedis(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*redis.Client, error) {
	opts := &redis.Options{
		Network:     viper.GetString(ConfRedisNetwork),
		Addr:        viper.GetString(ConfRedisAddr),
		DB:          viper.GetInt(ConfRedisDB),
		Password:    viper.GetString(ConfRedisPassword),
		PoolSize:    viper.GetInt(ConfRedisPoolSize),
		ReadTimeout: viper.GetDuration(ConfQueueReadBlock) + 3*time.Second,
	}
	log.Info("Connecting to Redis",
		zap.String(ConfRedisNetwork, opts.Network),
		zap.String(ConfRedisAddr, opts.Addr),
		zap.Int(ConfRedisDB, opts.DB))
	rd := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rd.Ping(pingCtx).Err(); err != nil {
		_ = rd.Close()
		return nil, fmt.Errorf("failed to reach Redis: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			if err := rd.Close(); err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
				return err
			}
			return nil
		},
	})
	return rd, nil
}

// NewUniversalRedis exposes the client through the interface used by the queues.
func NewUniversalRedis(rd *redis.Client) redis.UniversalClient {
	return rd
}
