// Package migrate creates the SQL tables used by the queues.
package migrate

import (
	"context"

	"github.com/spf13/cobra"
	"go.od2.network/aiqueue/cmd/providers"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/grantextract"
	"go.od2.network/aiqueue/pkg/notify"
	"go.uber.org/zap"
)

// Cmd is the migrate sub-command.
var Cmd = cobra.Command{
	Use:   "migrate",
	Short: "Create SQL tables",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(Run),
}

type creator interface {
	CreateTable(ctx context.Context) error
}

// Run creates all tables if they don't exist.
func Run(
	ctx context.Context,
	log *zap.Logger,
	vectors *embedding.SQLStore,
	texts *docparse.SQLStore,
	grants *grantextract.SQLStore,
	notifications *notify.SQLNotifier,
) error {
	steps := []struct {
		name string
		c    creator
	}{
		{"embeddings", vectors},
		{"document texts", texts},
		{"grant extraction jobs", grants},
		{"notifications", notifications},
	}
	for _, step := range steps {
		if err := step.c.CreateTable(ctx); err != nil {
			return err
		}
		log.Info("Table ready", zap.String("table", step.name))
	}
	return nil
}
