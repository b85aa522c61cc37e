package providers

import (
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/grantextract"
	"go.od2.network/aiqueue/pkg/notify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store config keys.
const (
	ConfEmbeddingTable      = "embedding.table"
	ConfEmbeddingFieldsFile = "embedding.fields_file"
	ConfDocParseTable       = "docparse.table"
	ConfStorageRoot         = "storage.root"
	ConfGrantJobsTable      = "grant.jobs_table"
	ConfGrantGrantsTable    = "grant.grants_table"
	ConfNotifyTable         = "notify.table"
	ConfNotifyKafkaTopic    = "notify.kafka.topic"
)

func init() {
	viper.SetDefault(ConfEmbeddingTable, "ai_embeddings")
	viper.SetDefault(ConfEmbeddingFieldsFile, "")
	viper.SetDefault(ConfDocParseTable, docparse.DefaultTable)
	viper.SetDefault(ConfStorageRoot, "./uploads")
	viper.SetDefault(ConfGrantJobsTable, "grant_extraction_jobs")
	viper.SetDefault(ConfGrantGrantsTable, "grants")
	viper.SetDefault(ConfNotifyTable, "notifications")
	viper.SetDefault(ConfNotifyKafkaTopic, "")
}

// NewFields loads the embedding allow-list.
func NewFields(log *zap.Logger) (embedding.Fields, error) {
	path := viper.GetString(ConfEmbeddingFieldsFile)
	if path == "" {
		log.Warn("Empty " + ConfEmbeddingFieldsFile + ", only parsed documents are embedded")
		return embedding.Fields{}, nil
	}
	fields, err := embedding.LoadFields(path)
	if err != nil {
		return nil, err
	}
	log.Info("Loaded embedding fields",
		zap.String(ConfEmbeddingFieldsFile, path),
		zap.Int("tables", len(fields)))
	return fields, nil
}

// NewEmbeddingStore returns the SQL embedding store.
func NewEmbeddingStore(db *sqlx.DB) *embedding.SQLStore {
	return &embedding.SQLStore{DB: db, TableName: viper.GetString(ConfEmbeddingTable)}
}

// NewTextStore returns the SQL parsed-text store.
func NewTextStore(db *sqlx.DB) *docparse.SQLStore {
	return &docparse.SQLStore{DB: db, TableName: viper.GetString(ConfDocParseTable)}
}

// NewGrantStore returns the SQL grant job store.
func NewGrantStore(db *sqlx.DB) *grantextract.SQLStore {
	return &grantextract.SQLStore{
		DB:          db,
		TableName:   viper.GetString(ConfGrantJobsTable),
		GrantsTable: viper.GetString(ConfGrantGrantsTable),
	}
}

// NewStorage returns the upload storage.
func NewStorage() docparse.Storage {
	return &docparse.DirStorage{Root: viper.GetString(ConfStorageRoot)}
}

// NotifierOut holds the notifiers.
type NotifierOut struct {
	fx.Out

	Table    *notify.SQLNotifier
	Notifier notify.Notifier
}

// NewNotifier stores notifications in SQL and,
// if a topic is configured, also publishes them to Kafka.
func NewNotifier(log *zap.Logger, lc fx.Lifecycle, db *sqlx.DB) (NotifierOut, error) {
	table := &notify.SQLNotifier{DB: db, TableName: viper.GetString(ConfNotifyTable)}
	out := NotifierOut{Table: table, Notifier: table}
	topic := viper.GetString(ConfNotifyKafkaTopic)
	if topic == "" {
		return out, nil
	}
	config, err := NewSaramaConfig(log)
	if err != nil {
		return out, err
	}
	client, err := NewSaramaClient(lc, log, config)
	if err != nil {
		return out, err
	}
	producer, err := NewSaramaSyncProducer(log, client, lc)
	if err != nil {
		return out, err
	}
	out.Notifier = notify.Multi{table, &notify.KafkaNotifier{
		Producer: producer,
		Topic:    topic,
		Log:      log.Named("notify"),
	}}
	return out, nil
}
