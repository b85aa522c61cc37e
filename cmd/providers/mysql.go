package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MySQL config keys.
const (
	ConfMySQLDSN             = "mysql.dsn"
	ConfMySQLMaxOpenConns    = "mysql.max_open_conns"
	ConfMySQLConnMaxLifetime = "mysql.conn_max_lifetime"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLMaxOpenConns, 16)
	viper.SetDefault(ConfMySQLConnMaxLifetime, 5*time.Minute)
}

// NewMySQL opens the pool shared by the SQL-backed stores.
// Timestamps are read and written in UTC.
func NewMySQL(ctx context.Context, log *zap.Logger, lc fx.Lifecycle) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ConfMySQLDSN, err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	log.Info("Connecting to MySQL",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(viper.GetInt(ConfMySQLMaxOpenConns))
	db.SetConnMaxLifetime(viper.GetDuration(ConfMySQLConnMaxLifetime))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach MySQL: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}
