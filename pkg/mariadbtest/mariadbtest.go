// Package mariadbtest constructs short-lived MariaDB instances for unit-testing.
//
// Available backends: Subprocess (local mysqld), Docker.
package mariadbtest

import (
	"database/sql"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// Backend is an available MariaDB test backend.
type Backend interface {
	MySQLConfig() *mysql.Config
	DB(name string) (*sql.DB, error)
	Close(t testing.TB)
}

// Default constructs a MariaDB server/client session
// from the fastest available backend.
// Skips the test if no backend is available.
func Default(t testing.TB) Backend {
	if SupportsSubprocess() {
		t.Log("mariadbtest: MySQL server installed, using subprocess")
		return NewSubprocess(t)
	}
	if !SupportsDocker() {
		t.Skip("mariadbtest: neither mysqld nor Docker available")
	}
	t.Log("mariadbtest: Falling back to Docker")
	return NewDocker(t)
}

// Open connects sqlx to the default database of a backend.
func Open(t testing.TB, b Backend) *sqlx.DB {
	db, err := b.DB("")
	require.NoError(t, err, "Opening test database")
	return sqlx.NewDb(db, "mysql")
}
