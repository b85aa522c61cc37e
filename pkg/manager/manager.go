// Package manager builds the AI queues for one caller context.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"go.od2.network/aiqueue/pkg/ai"
	"go.od2.network/aiqueue/pkg/deadletter"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/grantextract"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/notify"
	"go.od2.network/aiqueue/pkg/redisdedup"
	"go.od2.network/aiqueue/pkg/redislock"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds the settings of all queues.
type Config struct {
	KeyPrefix     string
	DedupTTL      time.Duration
	Queue         redisqueue.Options
	DeadLetterAge time.Duration
	Embedding     embedding.Options
	DocParse      docparse.Options
	DocParseAck   bool // defer stream acks of the document parsing queue
	GrantExtract  grantextract.Options
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "aiqueue",
		DedupTTL:      redisdedup.DefaultTTL,
		Queue:         redisqueue.DefaultOptions(),
		DeadLetterAge: deadletter.DefaultMaxAge,
		Embedding:     embedding.DefaultOptions(),
		DocParse:      docparse.DefaultOptions(),
		DocParseAck:   true,
		GrantExtract:  grantextract.DefaultOptions(),
	}
}

// Services are the process-wide dependencies shared by all managers.
type Services struct {
	Redis   redis.UniversalClient
	Log     *zap.Logger
	Metrics metrics.Registry     // go-metrics meters of the queue engine
	Meter   metric.Meter         // OpenTelemetry meter of the dead-letter queue
	Sizes   *prometheus.GaugeVec // optional, see NewSizeGauge

	EmbeddingStore embedding.Store
	Embedder       ai.Embedder
	Fields         embedding.Fields

	Storage docparse.Storage
	Texts   docparse.TextStore
	Parsers docparse.Registry

	GrantStore grantextract.Store
	Extractor  ai.Extractor
	Notifier   notify.Notifier

	// Consumer is the stream consumer name of this process.
	Consumer string
}

// NewSizeGauge registers the queue depth gauge.
func NewSizeGauge(reg prometheus.Registerer) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aiqueue",
		Name:      "queue_size",
		Help:      "Number of jobs waiting per queue",
	}, []string{"queue"})
	if err := reg.Register(gauge); err != nil {
		return nil, err
	}
	return gauge, nil
}

// Manager lazily builds and caches the queues of one caller context.
// Safe for concurrent use.
type Manager struct {
	*Services
	Config         Config
	Accountability *jobs.Accountability
	Schema         json.RawMessage

	mu          sync.Mutex
	locker      *redislock.Locker
	embedding   *embedding.Queue
	docParse    *docparse.Queue
	grant       *grantextract.Queue
	deadLetters *deadletter.Queue
}

// New returns a manager for the given caller context.
func New(svc *Services, cfg Config, acc *jobs.Accountability, schema json.RawMessage) *Manager {
	return &Manager{
		Services:       svc,
		Config:         cfg,
		Accountability: acc,
		Schema:         schema,
	}
}

// Assert Manager implements deadletter.Resolver.
var _ deadletter.Resolver = (*Manager)(nil)

func (m *Manager) lockerLocked() *redislock.Locker {
	if m.locker == nil {
		m.locker = &redislock.Locker{
			Redis: m.Redis,
			Log:   m.Log.Named("lock"),
			Scope: "queue",
		}
	}
	return m.locker
}

func (m *Manager) baseQueue(name jobs.Name, opts redisqueue.Options) *redisqueue.Queue {
	return &redisqueue.Queue{
		Name:     name,
		Redis:    m.Redis,
		Log:      m.Log.Named(string(name)),
		Dedup:    &redisdedup.Markers{Redis: m.Redis, Prefix: m.Config.KeyPrefix + ":dedup", TTL: m.Config.DedupTTL},
		Locker:   m.lockerLocked(),
		Keys:     redisqueue.KeysForPrefix(m.Config.KeyPrefix, name),
		Options:  opts,
		Consumer: m.Consumer,
		Metrics:  m.Metrics,
	}
}

// EmbeddingQueue returns the embedding queue.
func (m *Manager) EmbeddingQueue() *embedding.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embeddingLocked()
}

func (m *Manager) embeddingLocked() *embedding.Queue {
	if m.embedding == nil {
		fields := m.Fields.With(m.Config.DocParse.TextTable, docparse.TextFields())
		m.embedding = &embedding.Queue{
			Base:           m.baseQueue(jobs.Embedding, m.Config.Queue),
			Store:          m.EmbeddingStore,
			Embedder:       m.Embedder,
			Fields:         fields,
			Log:            m.Log.Named("embedding"),
			Options:        m.Config.Embedding,
			Accountability: m.Accountability,
			Schema:         m.Schema,
		}
	}
	return m.embedding
}

// DocumentParsingQueue returns the document parsing queue.
// Parsed documents are handed to the embedding queue of the same context.
func (m *Manager) DocumentParsingQueue() *docparse.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docParse == nil {
		opts := m.Config.Queue
		opts.DeferAck = m.Config.DocParseAck
		m.docParse = &docparse.Queue{
			Base:           m.baseQueue(jobs.DocumentParsing, opts),
			Storage:        m.Storage,
			Parsers:        m.Parsers,
			Texts:          m.Texts,
			Embeddings:     m.embeddingLocked(),
			Log:            m.Log.Named("docparse"),
			Options:        m.Config.DocParse,
			Accountability: m.Accountability,
			Schema:         m.Schema,
		}
	}
	return m.docParse
}

// GrantExtractionQueue returns the grant extraction queue.
func (m *Manager) GrantExtractionQueue() *grantextract.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grant == nil {
		m.grant = &grantextract.Queue{
			Store:          m.GrantStore,
			Texts:          m.Texts,
			Extractor:      m.Extractor,
			Notifier:       m.Notifier,
			Locker:         m.lockerLocked(),
			Log:            m.Log.Named("grantextract"),
			Options:        m.Config.GrantExtract,
			Accountability: m.Accountability,
		}
	}
	return m.grant
}

// DeadLetterQueue returns the dead-letter queue.
func (m *Manager) DeadLetterQueue() *deadletter.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadLetters == nil {
		m.deadLetters = &deadletter.Queue{
			Redis:  m.Redis,
			Log:    m.Log.Named("deadletter"),
			Keys:   redisqueue.DeadLetterKeysForPrefix(m.Config.KeyPrefix),
			MaxAge: m.Config.DeadLetterAge,
			Meter:  m.Meter,
		}
	}
	return m.deadLetters
}

// GetQueue returns the queue that accepts re-deliveries for name.
func (m *Manager) GetQueue(name jobs.Name) (jobs.Queue, error) {
	switch name {
	case jobs.Embedding:
		return m.EmbeddingQueue(), nil
	case jobs.DocumentParsing:
		return m.DocumentParsingQueue(), nil
	case jobs.GrantExtraction:
		return m.GrantExtractionQueue(), nil
	case jobs.DeadLetter:
		return nil, fmt.Errorf("dead-letter records cannot be re-delivered to the dead-letter queue")
	default:
		return nil, fmt.Errorf("unknown queue: %q", name)
	}
}

// Queues returns all consumer queues.
func (m *Manager) Queues() []jobs.Queue {
	queues := make([]jobs.Queue, 0, len(jobs.Names))
	for _, name := range jobs.Names {
		q, err := m.GetQueue(name)
		if err != nil {
			panic(err)
		}
		queues = append(queues, q)
	}
	return queues
}

// MonitorQueueSizes reads the size of every queue, including the dead-letter queue,
// and publishes it on the size gauge.
func (m *Manager) MonitorQueueSizes(ctx context.Context) (map[jobs.Name]int64, error) {
	sizes := make(map[jobs.Name]int64, len(jobs.Names)+1)
	record := func(name jobs.Name, size int64) {
		sizes[name] = size
		if m.Sizes != nil {
			m.Sizes.WithLabelValues(string(name)).Set(float64(size))
		}
	}
	for _, q := range m.Queues() {
		size, err := q.Size(ctx)
		if err != nil {
			return sizes, fmt.Errorf("failed to get size of %s: %w", q.Name(), err)
		}
		record(q.Name(), size)
	}
	size, err := m.DeadLetterQueue().Size(ctx)
	if err != nil {
		return sizes, err
	}
	record(jobs.DeadLetter, size)
	return sizes, nil
}

// ProcessDeadLetterQueue runs a dead-letter maintenance pass, re-delivering through this manager.
func (m *Manager) ProcessDeadLetterQueue(ctx context.Context) (deadletter.Stats, error) {
	return m.DeadLetterQueue().Maintain(ctx, m)
}
