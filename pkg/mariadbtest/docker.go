package mariadbtest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/exectest"
)

const (
	dockerImage  = "mariadb"
	dockerTag    = "10.5"
	dockerDBName = "aiqueue"
	// Containers of crashed test runs are reaped after this many seconds.
	dockerExpire = 600
	dockerStart  = 2 * time.Minute
)

// SupportsDocker checks whether a Docker daemon is reachable.
func SupportsDocker() bool {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return false
	}
	return pool.Client.Ping() == nil
}

// Docker runs MariaDB in a throwaway container reachable over TCP
// with the root password.
type Docker struct {
	Resource *dockertest.Resource
	config   *mysql.Config
}

// Assert Docker implements Backend.
var _ Backend = (*Docker)(nil)

// NewDocker starts a container and waits until MariaDB accepts queries.
// It terminates the test if startup fails.
func NewDocker(t testing.TB) *Docker {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err, "Connecting to Docker")
	password := randomPassword(t)
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: dockerImage,
		Tag:        dockerTag,
		Env: []string{
			"MYSQL_DATABASE=" + dockerDBName,
			"MYSQL_ROOT_PASSWORD=" + password,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "Starting MariaDB container")
	if err := resource.Expire(dockerExpire); err != nil {
		t.Log("mariadbtest: Container expiry not set:", err)
	}
	d := &Docker{
		Resource: resource,
		config:   dockerConfig(resource.GetHostPort("3306/tcp"), password),
	}
	t.Log("mariadbtest: MariaDB container", resource.Container.Name, "at", d.config.Addr)

	db, err := d.DB("")
	require.NoError(t, err, "Client for startup checks")
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), dockerStart)
	defer cancel()
	if err := waitPing(ctx, db); err != nil {
		d.Close(t)
		t.Fatal("mariadbtest: MariaDB did not come up:", err)
	}
	t.Log("mariadbtest: MariaDB is up")
	return d
}

func randomPassword(t testing.TB) string {
	var buf [16]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err, "Generating password")
	return hex.EncodeToString(buf[:])
}

func dockerConfig(addr, password string) *mysql.Config {
	config := mysql.NewConfig()
	config.Net = "tcp"
	config.Addr = addr
	config.User = "root"
	config.Passwd = password
	config.DBName = dockerDBName
	config.AllowNativePasswords = true
	config.ParseTime = true
	config.Loc = time.UTC
	return config
}

// waitPing pings until the server answers.
// Server errors end the wait, connection errors are retried.
func waitPing(ctx context.Context, db *sql.DB) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := pingErr(db.PingContext(ctx))
		if err != nil && !errors.Is(err, exectest.ErrNotReady) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// pingErr marks errors of a server that is still starting as exectest.ErrNotReady.
// Until mysqld listens the port proxy drops connections,
// and the image init script restarts the server once.
func pingErr(err error) error {
	if err == nil {
		return nil
	}
	var serverErr *mysql.MySQLError
	if errors.As(err, &serverErr) {
		return err
	}
	return fmt.Errorf("%v: %w", err, exectest.ErrNotReady)
}

// MySQLConfig returns the base config for connecting to the container.
func (d *Docker) MySQLConfig() *mysql.Config {
	return d.config
}

// DB opens the specified database.
// An empty string opens the default database.
func (d *Docker) DB(name string) (*sql.DB, error) {
	config := d.config.Clone()
	if name != "" {
		config.DBName = name
	}
	return sql.Open("mysql", config.FormatDSN())
}

// Close removes the container and all its data.
func (d *Docker) Close(t testing.TB) {
	assert.NoError(t, d.Resource.Close(), "Removing MariaDB container")
}
