// Package worker implements the worker sub-command.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/cmd/providers"
	"go.od2.network/aiqueue/pkg/manager"
	"go.od2.network/aiqueue/pkg/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the worker sub-command.
var Cmd = cobra.Command{
	Use:   "worker",
	Short: "Run queue consumers",
	Long: "Polls the embedding, document parsing and grant extraction queues.\n" +
		"It is safe to run multiple workers.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd,
			fx.Invoke(providers.ServeMetrics),
			fx.Invoke(Run),
		)
		app.Run()
	},
}

// Worker config keys.
const (
	ConfIdleMin       = "worker.idle_min"
	ConfIdleMax       = "worker.idle_max"
	ConfMaxIterations = "worker.max_iterations"
)

func init() {
	viper.SetDefault(ConfIdleMin, 250*time.Millisecond)
	viper.SetDefault(ConfIdleMax, 10*time.Second)
	viper.SetDefault(ConfMaxIterations, 100)
}

// Run hooks the poll loop into the application lifecycle.
func Run(
	lc fx.Lifecycle,
	log *zap.Logger,
	shutdown fx.Shutdowner,
	mgr *manager.Manager,
) {
	loop := &worker.Loop{
		Queues:        mgr.Queues(),
		Log:           log.Named("worker"),
		MaxIterations: viper.GetInt(ConfMaxIterations),
		IdleMin:       viper.GetDuration(ConfIdleMin),
		IdleMax:       viper.GetDuration(ConfIdleMax),
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := loop.Run(ctx)
				if !errors.Is(err, context.Canceled) {
					log.Error("Worker loop exited", zap.Error(err))
					_ = shutdown.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			wg.Wait()
			log.Info("Worker stopped")
			return nil
		},
	})
}
