package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/cmd/dlq"
	"go.od2.network/aiqueue/cmd/maintenance"
	"go.od2.network/aiqueue/cmd/migrate"
	"go.od2.network/aiqueue/cmd/providers"
	"go.od2.network/aiqueue/cmd/worker"
	"go.uber.org/zap"
)

var rootCmd = cobra.Command{
	Use:   "aiqueue",
	Short: "AI job queue worker and tools",

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		log, err := logConfig.Build()
		if err != nil {
			panic("failed to build logger: " + err.Error())
		}
		providers.Log = log

		viper.SetEnvPrefix("AIQUEUE")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				log.Fatal("Failed to read config", zap.String("config", configFile), zap.Error(err))
			}
		}

		if _, err := providers.SetupPrometheus(); err != nil {
			log.Fatal("Failed to set up Prometheus", zap.Error(err))
		}
	},
}

var (
	devMode    bool
	configFile string
)

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file (YAML, TOML or JSON)")

	rootCmd.AddCommand(
		&worker.Cmd,
		&maintenance.Cmd,
		&dlq.Cmd,
		&migrate.Cmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
