package notify

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.od2.network/aiqueue/pkg/mariadbtest"
)

var predefinedDB *sqlx.DB

func TestMain(m *testing.M) {
	sqlConnStr := flag.String("sql-conn", "", "SQL connection string")
	flag.Parse()
	if *sqlConnStr != "" {
		cfg, err := mysql.ParseDSN(*sqlConnStr)
		if err != nil {
			panic(err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		predefinedDB, err = sqlx.Open("mysql", cfg.FormatDSN())
		if err != nil {
			panic(err)
		}
	}
	os.Exit(m.Run())
}

func testDB(t *testing.T) *sqlx.DB {
	if predefinedDB != nil {
		return predefinedDB
	}
	backend := mariadbtest.Default(t)
	t.Cleanup(func() { backend.Close(t) })
	return mariadbtest.Open(t, backend)
}
