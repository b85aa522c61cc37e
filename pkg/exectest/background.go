// Package exectest runs helper processes (redis-server, mysqld) in the background of tests.
//
// Check the test files of this package for examples.
package exectest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Background is background command being run.
type Background struct {
	tb      testing.TB
	Cmd     *exec.Cmd
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
	errLock sync.Mutex
	// Log command output to tests.
	Name      string
	LogStdout bool
	LogStderr bool
}

// NewBackground prepares a command to run in the background of a test.
func NewBackground(tb testing.TB, cmd *exec.Cmd) *Background {
	return &Background{
		tb:   tb,
		Cmd:  cmd,
		done: make(chan struct{}, 1),
	}
}

// Start spawns a goroutine running the process in the background.
// After calling Start, accessing the provided exec.Cmd is unsafe until Close() returns.
// Can only be called once.
func (b *Background) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(b.done)
		var prefix string
		if b.Name != "" {
			prefix = b.Name + ": "
		}
		var captures []*PipeCapture
		if b.LogStdout {
			stdout := &PipeCapture{Prefix: prefix, TB: b.tb}
			b.Cmd.Stdout = stdout
			captures = append(captures, stdout)
		}
		if b.LogStderr {
			stderr := &PipeCapture{Prefix: prefix + "(stderr) ", TB: b.tb}
			b.Cmd.Stderr = stderr
			captures = append(captures, stderr)
		}
		err := b.Cmd.Run()
		for _, c := range captures {
			c.Flush()
		}
		b.errLock.Lock()
		b.err = err
		b.errLock.Unlock()
	}()
}

// Close must be called before the test context completes,
// regardless whether the command exited successfully.
// Close is idempotent.
func (b *Background) Close() {
	if b.Cmd.Process != nil {
		_ = b.Cmd.Process.Kill()
	}
	b.wg.Wait()
}

// Done returns a channel that closes when the command exits.
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Err returns any error that occurred with the process.
func (b *Background) Err() error {
	b.errLock.Lock()
	defer b.errLock.Unlock()
	return b.err
}

// ErrNotReady marks probe errors worth another attempt.
var ErrNotReady = errors.New("not ready")

// WaitReady calls probe every 100ms until it succeeds, for up to 3 seconds.
// Probe errors wrapping ErrNotReady are retried, others fail immediately.
// Gives up early if the process exits.
func (b *Background) WaitReady(ctx context.Context, probe func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 30), ctx)
	err := backoff.Retry(func() error {
		err := probe()
		if err != nil && !errors.Is(err, ErrNotReady) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err == nil {
		return nil
	}
	if procErr := b.Err(); procErr != nil {
		return fmt.Errorf("%s exited: %w", b.Name, procErr)
	}
	return err
}

// PipeCapture forwards written output to the test log, line by line.
type PipeCapture struct {
	TB     testing.TB
	Prefix string
	buf    bytes.Buffer
}

func (w *PipeCapture) Write(buf []byte) (n int, err error) {
	splits := bytes.Split(buf, []byte("\n"))
	if len(splits) <= 1 {
		w.buf.Write(buf)
	} else {
		w.buf.Write(splits[0])
		w.line(w.buf.String())
		w.buf.Reset()
		for i := 1; i < len(splits)-1; i++ {
			w.line(string(splits[i]))
		}
		w.buf.Write(splits[len(splits)-1])
	}
	return len(buf), nil
}

// Flush logs any incomplete trailing line.
func (w *PipeCapture) Flush() {
	buf := w.buf.String()
	lines := strings.Split(buf, "\n")
	for _, line := range lines {
		if len(line) > 0 {
			w.line(line)
		}
	}
	w.buf.Reset()
}

func (w *PipeCapture) line(s string) {
	w.TB.Log(w.Prefix + s)
}
