package mariadbtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/exectest"
)

const (
	mysqldPath       = "/usr/sbin/mysqld"
	installDBPath    = "/usr/bin/mysql_install_db"
	subprocessDBName = "aiqueue"
)

// SupportsSubprocess checks if mysqld and mysql_install_db are installed.
func SupportsSubprocess() bool {
	for _, path := range []string{mysqldPath, installDBPath} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// Subprocess runs a local MariaDB server in a temp directory.
type Subprocess struct {
	Dir    string
	BG     *exectest.Background
	config *mysql.Config
}

// Assert Subprocess implements Backend.
var _ Backend = (*Subprocess)(nil)

// NewSubprocess bootstraps a data dir and spawns mysqld in the background,
// reachable over a unix socket with socket authentication.
func NewSubprocess(t testing.TB) *Subprocess {
	dir, err := ioutil.TempDir("", "mariadbtest-*")
	require.NoError(t, err, "Creating temp dir")
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.Mkdir(dataDir, 0750), "Creating data dir")
	user := os.Getenv("USER")
	require.NotEmpty(t, user, "Reading $USER")

	install := exec.Command(installDBPath,
		"--user="+user,
		"--datadir="+dataDir,
		"--auth-root-authentication-method=socket",
		"--auth-root-socket-user="+user,
		"--skip-test-db",
		"--skip-name-resolve",
		"--force")
	install.Stdout = &exectest.PipeCapture{TB: t, Prefix: "mysql_install_db: "}
	install.Stderr = &exectest.PipeCapture{TB: t, Prefix: "mysql_install_db (stderr): "}
	require.NoError(t, install.Run(), "Running mysql_install_db")

	socket := filepath.Join(dir, "mysql.sock")
	bg := exectest.NewBackground(t, exec.Command(mysqldPath,
		"--no-defaults",
		"--datadir", dataDir,
		"--skip-networking",
		"--socket", socket))
	bg.Name = "mysql"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()
	s := &Subprocess{Dir: dir, BG: bg}

	s.config = mysql.NewConfig()
	s.config.Net = "unix"
	s.config.Addr = socket
	s.config.User = user
	s.config.ParseTime = true
	s.config.Loc = time.UTC
	probe, err := sql.Open("mysql", s.config.FormatDSN())
	require.NoError(t, err, "Client for startup probes")
	defer probe.Close()
	err = bg.WaitReady(context.Background(), func() error {
		err := probe.Ping()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%v: %w", err, exectest.ErrNotReady)
		}
		return err
	})
	if err != nil {
		s.Close(t)
		t.Fatal("mariadbtest: MySQL did not come up:", err)
	}
	t.Log("mariadbtest: MySQL is up at", socket)
	_, err = probe.Exec("CREATE DATABASE " + subprocessDBName)
	require.NoError(t, err, "Creating initial database")
	s.config.DBName = subprocessDBName
	return s
}

// DB opens the specified database.
// An empty string opens the default database.
func (s *Subprocess) DB(name string) (*sql.DB, error) {
	config := s.config.Clone()
	if name != "" {
		config.DBName = name
	}
	return sql.Open("mysql", config.FormatDSN())
}

// MySQLConfig returns the base config for connecting to the local MySQL server.
func (s *Subprocess) MySQLConfig() *mysql.Config {
	return s.config
}

// Close kills the subprocess and removes the temp dir.
func (s *Subprocess) Close(t testing.TB) {
	t.Log("mariadbtest: Removing", s.Dir)
	s.BG.Close()
	_ = os.RemoveAll(s.Dir)
}
