package providers

import (
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/pkg/ai"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/grantextract"
	"go.od2.network/aiqueue/pkg/manager"
	"go.od2.network/aiqueue/pkg/notify"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Queue config keys.
const (
	ConfQueueMode             = "queue.mode"
	ConfQueueKeyPrefix        = "queue.key_prefix"
	ConfQueueMaxRetries       = "queue.max_retries"
	ConfQueueDedupTTL         = "queue.dedup_ttl"
	ConfQueueRetryTTL         = "queue.retry_ttl"
	ConfQueueReclaimIdle      = "queue.reclaim_idle"
	ConfQueueReadBlock        = "queue.read_block"
	ConfQueueDeadLetterMaxLen = "queue.dead_letter_max_len"

	ConfDeadLetterMaxAge = "deadletter.max_age"

	ConfEmbeddingLockTimeout = "embedding.lock_timeout"
	ConfEmbeddingMaxItems    = "embedding.max_items"
	ConfEmbeddingBatchSize   = "embedding.batch_size"
	ConfEmbeddingChunkSize   = "embedding.chunk_size"

	ConfDocParseLockTimeout = "docparse.lock_timeout"
	ConfDocParseMaxChars    = "docparse.max_chars"
	ConfDocParseDeferAck    = "docparse.defer_ack"

	ConfGrantLockTimeout   = "grant.lock_timeout"
	ConfGrantPollBatch     = "grant.poll_batch"
	ConfGrantMaxRetries    = "grant.max_retries"
	ConfGrantRetryInterval = "grant.retry_interval"
)

func init() {
	viper.SetDefault(ConfQueueMode, string(redisqueue.ModeList))
	viper.SetDefault(ConfQueueKeyPrefix, "aiqueue")
	viper.SetDefault(ConfQueueMaxRetries, 3)
	viper.SetDefault(ConfQueueDedupTTL, 60*time.Second)
	viper.SetDefault(ConfQueueRetryTTL, time.Hour)
	viper.SetDefault(ConfQueueReclaimIdle, 60*time.Second)
	viper.SetDefault(ConfQueueReadBlock, 100*time.Millisecond)
	viper.SetDefault(ConfQueueDeadLetterMaxLen, 1000)

	viper.SetDefault(ConfDeadLetterMaxAge, 4*time.Hour)

	viper.SetDefault(ConfEmbeddingLockTimeout, 2*time.Minute)
	viper.SetDefault(ConfEmbeddingMaxItems, 10)
	viper.SetDefault(ConfEmbeddingBatchSize, 10)
	viper.SetDefault(ConfEmbeddingChunkSize, embedding.DefaultChunkSize)

	viper.SetDefault(ConfDocParseLockTimeout, 60*time.Second)
	viper.SetDefault(ConfDocParseMaxChars, 1000000)
	viper.SetDefault(ConfDocParseDeferAck, true)

	viper.SetDefault(ConfGrantLockTimeout, 60*time.Second)
	viper.SetDefault(ConfGrantPollBatch, 50)
	viper.SetDefault(ConfGrantMaxRetries, 5)
	viper.SetDefault(ConfGrantRetryInterval, time.Minute)
}

// NewManagerConfig reads the queue settings.
func NewManagerConfig() (manager.Config, error) {
	mode, err := redisqueue.ParseMode(viper.GetString(ConfQueueMode))
	if err != nil {
		return manager.Config{}, err
	}
	cfg := manager.DefaultConfig()
	cfg.KeyPrefix = viper.GetString(ConfQueueKeyPrefix)
	cfg.DedupTTL = viper.GetDuration(ConfQueueDedupTTL)
	cfg.Queue = redisqueue.Options{
		Mode:             mode,
		MaxRetries:       viper.GetInt(ConfQueueMaxRetries),
		RetryTTL:         viper.GetDuration(ConfQueueRetryTTL),
		ReclaimIdle:      viper.GetDuration(ConfQueueReclaimIdle),
		ReadBlock:        viper.GetDuration(ConfQueueReadBlock),
		DeadLetterMaxLen: viper.GetInt64(ConfQueueDeadLetterMaxLen),
	}
	cfg.DeadLetterAge = viper.GetDuration(ConfDeadLetterMaxAge)
	cfg.Embedding = embedding.Options{
		LockTimeout: viper.GetDuration(ConfEmbeddingLockTimeout),
		MaxItems:    viper.GetInt(ConfEmbeddingMaxItems),
		BatchSize:   viper.GetInt(ConfEmbeddingBatchSize),
		ChunkSize:   viper.GetInt(ConfEmbeddingChunkSize),
	}
	cfg.DocParse.LockTimeout = viper.GetDuration(ConfDocParseLockTimeout)
	cfg.DocParse.MaxChars = viper.GetInt(ConfDocParseMaxChars)
	cfg.DocParse.TextTable = viper.GetString(ConfDocParseTable)
	cfg.DocParseAck = viper.GetBool(ConfDocParseDeferAck)
	cfg.GrantExtract.LockTimeout = viper.GetDuration(ConfGrantLockTimeout)
	cfg.GrantExtract.PollBatch = viper.GetInt(ConfGrantPollBatch)
	cfg.GrantExtract.MaxRetries = viper.GetInt(ConfGrantMaxRetries)
	cfg.GrantExtract.RetryInterval = viper.GetDuration(ConfGrantRetryInterval)
	cfg.GrantExtract.GrantsCollection = viper.GetString(ConfGrantGrantsTable)
	return cfg, nil
}

type servicesIn struct {
	fx.In

	Log     *zap.Logger
	Redis   redis.UniversalClient
	Metrics metrics.Registry
	Meter   metric.Meter
	Sizes   *prometheus.GaugeVec

	EmbeddingStore *embedding.SQLStore
	Embedder       ai.Embedder
	Fields         embedding.Fields
	Storage        docparse.Storage
	Texts          *docparse.SQLStore
	GrantStore     *grantextract.SQLStore
	Extractor      ai.Extractor
	Notifier       notify.Notifier
}

// NewServices bundles the process-wide queue dependencies.
func NewServices(in servicesIn) *manager.Services {
	consumer := redisqueue.NewConsumerID()
	in.Log.Info("Queue consumer", zap.String("consumer", consumer))
	return &manager.Services{
		Redis:          in.Redis,
		Log:            in.Log,
		Metrics:        in.Metrics,
		Meter:          in.Meter,
		Sizes:          in.Sizes,
		EmbeddingStore: in.EmbeddingStore,
		Embedder:       in.Embedder,
		Fields:         in.Fields,
		Storage:        in.Storage,
		Texts:          in.Texts,
		Parsers:        docparse.DefaultRegistry(),
		GrantStore:     in.GrantStore,
		Extractor:      in.Extractor,
		Notifier:       in.Notifier,
		Consumer:       consumer,
	}
}

// NewManager returns the manager of background consumers.
// Consumers act on behalf of the accountability stamped on each job.
func NewManager(svc *manager.Services, cfg manager.Config) *manager.Manager {
	return manager.New(svc, cfg, nil, nil)
}
