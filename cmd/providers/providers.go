package providers

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otel "go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// ai.go
	NewAIClient,
	NewAIBreaker,
	NewEmbeddingCache,
	NewEmbedder,
	NewExtractor,
	// metrics.go
	NewMetricsRegistry,
	NewSizeGauge,
	// mysql.go
	NewMySQL,
	// providers.go
	NewContext,
	// queue.go
	NewManagerConfig,
	NewServices,
	NewManager,
	// redis.go
	NewRedis,
	NewUniversalRedis,
	// stores.go
	NewFields,
	NewEmbeddingStore,
	NewTextStore,
	NewGrantStore,
	NewStorage,
	NewNotifier,
}

// NewApp assembles an application running a sub-command.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(otel.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewCmd returns a cobra handler that runs invoke once and exits.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := NewApp(cmd,
			fx.Supply(args),
			fx.Invoke(invoke),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Start(ctx); err != nil {
			Log.Fatal("Failed to start", zap.Error(err))
		}
		if err := app.Stop(ctx); err != nil {
			Log.Error("Failed to stop", zap.Error(err))
		}
	}
}

// NewContext returns a context cancelled when the app stops or on interrupt.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
