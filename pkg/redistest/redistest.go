// Package redistest contains utilities for unit tests with Redis.
package redistest

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/go-redis/redis/v8"
	"go.od2.network/aiqueue/pkg/exectest"
)

// Redis is an ephemeral Redis server listening on a unix socket.
type Redis struct {
	Client *redis.Client
	Socket string

	bg  *exectest.Background
	dir string
}

// NewRedis starts a Redis server without persistence and connects a client.
// Skips the test if no redis-server binary is installed.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redistest: redis-server not found")
	}
	dir, err := ioutil.TempDir("", "redistest-")
	if err != nil {
		t.Fatal("Failed to get temp dir:", err)
	}
	r := &Redis{dir: dir, Socket: filepath.Join(dir, "redis.sock")}
	cmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", r.Socket,
		"--unixsocketperm", "700",
		"--save", "",
		"--appendonly", "no")
	cmd.Dir = dir
	r.bg = exectest.NewBackground(t, cmd)
	r.bg.Name = "redis"
	r.bg.LogStdout = true
	r.bg.LogStderr = true
	r.bg.Start()
	r.Client = redis.NewClient(&redis.Options{
		Network:    "unix",
		Addr:       r.Socket,
		MaxRetries: -1,
	})
	if err := r.bg.WaitReady(ctx, func() error { return r.ping(ctx) }); err != nil {
		r.Close(t)
		t.Fatal("redistest: Redis did not come up:", err)
	}
	t.Log("redistest: Redis is up at", r.Socket)
	return r
}

func (r *Redis) ping(ctx context.Context) error {
	err := r.Client.Ping(ctx).Err()
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%v: %w", err, exectest.ErrNotReady)
	default:
		return err
	}
}

// Close shuts down the server and client and removes the socket dir.
func (r *Redis) Close(t testing.TB) {
	t.Log("redistest: Removing", r.dir)
	_ = r.Client.Close()
	r.bg.Close()
	_ = os.RemoveAll(r.dir)
}
