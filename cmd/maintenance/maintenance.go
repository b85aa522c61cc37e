// Package maintenance implements the maintenance sub-command.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/cmd/providers"
	"go.od2.network/aiqueue/pkg/manager"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Cmd is the maintenance sub-command.
var Cmd = cobra.Command{
	Use:   "maintenance",
	Short: "Run scheduled queue maintenance",
	Long: "Publishes queue sizes and periodically purges or re-delivers dead-lettered jobs.\n" +
		"Dead-letter passes are idempotent, running several instances is safe.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		app := providers.NewApp(cmd,
			fx.Invoke(providers.ServeMetrics),
			fx.Invoke(Run),
		)
		app.Run()
	},
}

// Maintenance config keys.
const (
	ConfDeadLetterInterval = "deadletter.interval"
	ConfMonitorInterval    = "metrics.monitor_interval"
)

func init() {
	viper.SetDefault(ConfDeadLetterInterval, 5*time.Minute)
	viper.SetDefault(ConfMonitorInterval, 30*time.Second)
}

// Run hooks the maintenance schedules into the application lifecycle.
func Run(lc fx.Lifecycle, log *zap.Logger, mgr *manager.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	every := func(interval time.Duration, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				fn(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			every(viper.GetDuration(ConfMonitorInterval), func(ctx context.Context) {
				sizes, err := mgr.MonitorQueueSizes(ctx)
				if err != nil {
					log.Error("Failed to monitor queue sizes", zap.Error(err))
					return
				}
				for name, size := range sizes {
					log.Debug("Queue size", zap.String("queue", string(name)), zap.Int64("size", size))
				}
			})
			every(viper.GetDuration(ConfDeadLetterInterval), func(ctx context.Context) {
				stats, err := mgr.ProcessDeadLetterQueue(ctx)
				if err != nil {
					log.Error("Dead-letter maintenance failed", zap.Error(err))
					return
				}
				log.Info("Dead-letter maintenance finished",
					zap.Int("purged", stats.Purged),
					zap.Int("reprocessed", stats.Reprocessed),
					zap.Int("failed", stats.Failed))
			})
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}
