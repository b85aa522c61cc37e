package manager

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/grantextract"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.od2.network/aiqueue/pkg/redistest"
	"go.uber.org/zap/zaptest"
)

type pendingRows struct {
	grantextract.Store
	pending int64
}

func (p *pendingRows) CountPending(context.Context) (int64, error) {
	return p.pending, nil
}

type stringStorage map[string]string

func (s stringStorage) Open(_ context.Context, fileID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s[fileID])), nil
}

type mapTexts map[string]*docparse.Text

func (m mapTexts) UpsertText(_ context.Context, text *docparse.Text) error {
	m[text.FileID] = text
	return nil
}

func (m mapTexts) GetText(_ context.Context, fileID string) (*docparse.Text, error) {
	return m[fileID], nil
}

func newTestManager(t *testing.T, instance *redistest.Redis) (*Manager, *prometheus.GaugeVec) {
	gauge, err := NewSizeGauge(prometheus.NewRegistry())
	require.NoError(t, err)
	svc := &Services{
		Redis:      instance.Client,
		Log:        zaptest.NewLogger(t),
		Metrics:    metrics.NewRegistry(),
		Sizes:      gauge,
		Fields:     embedding.Fields{"articles": {PrimaryKey: "id", Fields: []string{"body"}}},
		Storage:    stringStorage{"f1": "hello"},
		Texts:      mapTexts{},
		Parsers:    docparse.DefaultRegistry(),
		GrantStore: &pendingRows{pending: 2},
		Consumer:   "test",
	}
	cfg := DefaultConfig()
	cfg.KeyPrefix = "T"
	return New(svc, cfg, &jobs.Accountability{User: "u1"}, json.RawMessage(`{"v":1}`)), gauge
}

func TestManager_GetQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	m, _ := newTestManager(t, instance)

	for _, name := range jobs.Names {
		q, err := m.GetQueue(name)
		require.NoError(t, err)
		assert.Equal(t, name, q.Name())
		again, err := m.GetQueue(name)
		require.NoError(t, err)
		assert.Same(t, q, again, "cached")
	}
	_, err := m.GetQueue(jobs.DeadLetter)
	assert.Error(t, err)
	_, err = m.GetQueue("unknown")
	assert.Error(t, err)

	assert.Same(t, m.EmbeddingQueue(), m.DocumentParsingQueue().Embeddings)
	assert.True(t, m.DocumentParsingQueue().Base.Options.DeferAck)
	assert.False(t, m.EmbeddingQueue().Base.Options.DeferAck)
	assert.Contains(t, m.EmbeddingQueue().Fields, docparse.DefaultTable)
	assert.NotContains(t, m.Fields, docparse.DefaultTable, "shared allow-list untouched")
}

func TestManager_DocumentToEmbedding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	m, gauge := newTestManager(t, instance)

	_, err := m.DocumentParsingQueue().AddDocumentParsingJobs(ctx, []docparse.Job{{FileID: "f1", MIMEType: "text/plain"}})
	require.NoError(t, err)
	sizes, err := m.MonitorQueueSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[jobs.Name]int64{
		jobs.Embedding:       0,
		jobs.DocumentParsing: 1,
		jobs.GrantExtraction: 2,
		jobs.DeadLetter:      0,
	}, sizes)
	assert.Equal(t, float64(2), testutil.ToFloat64(gauge.WithLabelValues(string(jobs.GrantExtraction))))

	require.NoError(t, m.DocumentParsingQueue().Process(ctx))
	assert.Equal(t, "hello", m.Texts.(mapTexts)["f1"].Text)
	sizes, err = m.MonitorQueueSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sizes[jobs.DocumentParsing])
	assert.Equal(t, int64(1), sizes[jobs.Embedding])
	assert.Equal(t, float64(1), testutil.ToFloat64(gauge.WithLabelValues(string(jobs.Embedding))))
}

func TestManager_ProcessDeadLetterQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close(t)
	m, _ := newTestManager(t, instance)

	job, err := jobs.NewJob(embedding.Job{SourceTable: "articles", SourceID: "1", Operation: embedding.OpDelete}, nil, nil)
	require.NoError(t, err)
	base := m.EmbeddingQueue().Base
	require.NoError(t, redisqueue.AppendDeadLetter(ctx, instance.Client, base.Keys, base.Options, &redisqueue.DeadLetterItem{
		QueueName:    jobs.Embedding,
		Item:         job,
		ErrorMessage: "boom",
		Timestamp:    time.Now().UnixNano() / int64(time.Millisecond),
	}))

	stats, err := m.ProcessDeadLetterQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reprocessed)
	size, err := m.EmbeddingQueue().Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	size, err = m.DeadLetterQueue().Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}
