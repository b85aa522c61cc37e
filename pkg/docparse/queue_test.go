package docparse

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisdedup"
	"go.od2.network/aiqueue/pkg/redislock"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.od2.network/aiqueue/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

type memStorage map[string]string

func (m memStorage) Open(_ context.Context, fileID string) (io.ReadCloser, error) {
	content, ok := m[fileID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type memTexts struct {
	mu    sync.Mutex
	texts map[string]*Text
}

func (m *memTexts) UpsertText(_ context.Context, text *Text) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.texts == nil {
		m.texts = make(map[string]*Text)
	}
	m.texts[text.FileID] = text
	return nil
}

func (m *memTexts) GetText(_ context.Context, fileID string) (*Text, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[fileID], nil
}

type recordingProducer struct {
	batches [][]embedding.Job
	err     error
}

func (r *recordingProducer) AddEmbeddingJobs(_ context.Context, batch []embedding.Job) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.batches = append(r.batches, batch)
	return len(batch), nil
}

func newTestQueue(t *testing.T, instance *redistest.Redis, mode redisqueue.Mode) (*Queue, *memTexts, *recordingProducer) {
	log := zaptest.NewLogger(t)
	baseOpts := redisqueue.DefaultOptions()
	baseOpts.Mode = mode
	baseOpts.DeferAck = true
	baseOpts.MaxRetries = 1
	texts := new(memTexts)
	producer := new(recordingProducer)
	opts := DefaultOptions()
	opts.MaxChars = 10
	opts.MaxItems = 10
	q := &Queue{
		Base: &redisqueue.Queue{
			Name:     jobs.DocumentParsing,
			Redis:    instance.Client,
			Log:      log,
			Dedup:    &redisdedup.Markers{Redis: instance.Client},
			Locker:   &redislock.Locker{Redis: instance.Client, Log: log, Scope: "queue"},
			Keys:     redisqueue.KeysForPrefix("T", jobs.DocumentParsing),
			Options:  baseOpts,
			Consumer: "test",
			Metrics:  metrics.NewRegistry(),
		},
		Storage: memStorage{
			"a.txt":  "Hello world, this is long",
			"b.html": "<p>Hi</p>",
			"c.json": `{"x":`,
		},
		Parsers:    DefaultRegistry(),
		Texts:      texts,
		Embeddings: producer,
		Log:        log,
		Options:    opts,
		now:        func() time.Time { return time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	return q, texts, producer
}

func TestQueue_Process(t *testing.T) {
	for _, mode := range []redisqueue.Mode{redisqueue.ModeList, redisqueue.ModeStream} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			instance := redistest.NewRedis(ctx, t)
			defer instance.Close(t)
			q, texts, producer := newTestQueue(t, instance, mode)

			n, err := q.AddDocumentParsingJobs(ctx, []Job{
				{FileID: "a.txt", MIMEType: "text/plain"},
				{FileID: "b.html", MIMEType: "text/html; charset=utf-8"},
				{FileID: "d.pdf", MIMEType: "application/pdf"},
				{FileID: "c.json", MIMEType: "application/json"},
			})
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			require.NoError(t, q.Process(ctx))

			size, err := q.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), size)

			assert.Equal(t, &Text{
				FileID:    "a.txt",
				MIMEType:  "text/plain",
				Text:      "Hello worl",
				Truncated: true,
				ParsedAt:  time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC),
			}, texts.texts["a.txt"])
			assert.Equal(t, "Hi", texts.texts["b.html"].Text)
			assert.NotContains(t, texts.texts, "d.pdf", "unsupported type skipped")
			assert.NotContains(t, texts.texts, "c.json", "broken document")

			assert.Equal(t, [][]embedding.Job{
				{{SourceTable: DefaultTable, SourceID: "a.txt", Operation: embedding.OpUpdate}},
				{{SourceTable: DefaultTable, SourceID: "b.html", Operation: embedding.OpUpdate}},
			}, producer.batches)
		})
	}
}

func TestQueue_Process_EmbeddingFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	q, texts, producer := newTestQueue(t, instance, redisqueue.ModeList)
	producer.err = errors.New("redis down")

	_, err := q.AddDocumentParsingJobs(ctx, []Job{{FileID: "b.html", MIMEType: "text/html"}})
	require.NoError(t, err)
	require.NoError(t, q.Process(ctx))

	// Text is kept, the job is retried once and then dead-lettered.
	assert.Equal(t, "Hi", texts.texts["b.html"].Text)
	dead, err := instance.Client.LRange(ctx, q.Base.Keys.DeadLetterList, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0], "failed to trigger embedding: redis down")
}

func TestDirStorage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "uploads", "f1"), []byte("data"), 0o644))
	storage := &DirStorage{Root: dir}

	f, err := storage.Open(context.Background(), "uploads/f1")
	require.NoError(t, err)
	buf, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "data", string(buf))

	_, err = storage.Open(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
	_, err = storage.Open(context.Background(), "..")
	assert.Error(t, err)
}
