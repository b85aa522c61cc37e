// Package embedding keeps vector embeddings of platform records in sync with their source rows.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.od2.network/aiqueue/pkg/ai"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.uber.org/zap"
)

// Operation is the change that triggered a job.
type Operation string

// Operations.
const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Job asks for the embeddings of one record to be refreshed.
// Priority is a hint for producers and not enforced.
type Job struct {
	SourceTable string    `json:"source_table"`
	SourceID    string    `json:"source_id"`
	Operation   Operation `json:"operation"`
	Priority    int       `json:"priority,omitempty"`
}

// Options control the embedding queue.
type Options struct {
	LockTimeout time.Duration // budget per record
	MaxItems    int           // jobs per Process call
	BatchSize   int           // texts per provider call
	ChunkSize   int           // max chunk length in bytes
}

// DefaultOptions returns the default embedding queue options.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 2 * time.Minute,
		MaxItems:    10,
		BatchSize:   10,
		ChunkSize:   DefaultChunkSize,
	}
}

// Queue is the embedding queue.
type Queue struct {
	Base     *redisqueue.Queue
	Store    Store
	Embedder ai.Embedder
	Fields   Fields
	Log      *zap.Logger
	Options  Options

	// Stamped on produced jobs.
	Accountability *jobs.Accountability
	Schema         json.RawMessage

	now func() time.Time
}

// Assert Queue implements jobs.Queue.
var _ jobs.Queue = (*Queue)(nil)

// Name returns jobs.Embedding.
func (q *Queue) Name() jobs.Name {
	return jobs.Embedding
}

// AddEmbeddingJobs enqueues jobs, collapsing duplicates within the dedup window.
func (q *Queue) AddEmbeddingJobs(ctx context.Context, batch []Job) (int, error) {
	envelopes := make([]*jobs.Job, len(batch))
	for i, job := range batch {
		env, err := jobs.NewJob(job, q.Accountability, q.Schema)
		if err != nil {
			return 0, err
		}
		envelopes[i] = env
	}
	return q.Base.Enqueue(ctx, envelopes)
}

// Requeue re-delivers a job without deduplication.
func (q *Queue) Requeue(ctx context.Context, job *jobs.Job) error {
	return q.Base.Push(ctx, job)
}

// Size returns the number of queued jobs.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.Base.Size(ctx)
}

// Process handles up to MaxItems jobs.
func (q *Queue) Process(ctx context.Context) error {
	for i := 0; i < q.Options.MaxItems; i++ {
		ok, err := q.Base.ProcessNext(ctx, q.plan)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func (q *Queue) plan(env *jobs.Job) (*redisqueue.Task, error) {
	var job Job
	if err := env.Decode(&job); err != nil {
		return nil, err
	}
	if job.SourceID == "" {
		return nil, fmt.Errorf("missing source_id")
	}
	spec, ok := q.Fields[job.SourceTable]
	if !ok {
		return nil, fmt.Errorf("table not embeddable: %q", job.SourceTable)
	}
	switch job.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("invalid operation: %q", job.Operation)
	}
	return &redisqueue.Task{
		Key:     fmt.Sprintf("%s:%s:%s", jobs.Embedding, job.SourceTable, job.SourceID),
		Timeout: q.Options.LockTimeout,
		Run: func(ctx context.Context) error {
			return q.run(ctx, &job, spec)
		},
	}, nil
}

func (q *Queue) run(ctx context.Context, job *Job, spec Table) error {
	log := q.Log.With(
		zap.String("source_table", job.SourceTable),
		zap.String("source_id", job.SourceID))
	if job.Operation == OpDelete {
		log.Debug("Deleting embeddings")
		return q.Store.DeleteVectors(ctx, job.SourceTable, job.SourceID)
	}
	record, err := q.Store.FetchRecord(ctx, job.SourceTable, spec, job.SourceID)
	if err != nil {
		return err
	}
	if record == nil {
		log.Debug("Record gone, deleting embeddings")
		return q.Store.DeleteVectors(ctx, job.SourceTable, job.SourceID)
	}
	chunks := Chunk(recordText(record, spec), q.Options.ChunkSize)
	if len(chunks) == 0 {
		return q.Store.DeleteVectors(ctx, job.SourceTable, job.SourceID)
	}
	vectors, err := q.embed(ctx, log, chunks)
	if err != nil {
		return err
	}
	now := time.Now
	if q.now != nil {
		now = q.now
	}
	createdAt := now().UTC().Truncate(time.Second)
	rows := make([]Row, len(chunks))
	for i, chunk := range chunks {
		rows[i] = Row{
			SourceTable: job.SourceTable,
			SourceID:    job.SourceID,
			ChunkIndex:  i,
			Content:     chunk,
			Embedding:   vectors[i],
			Model:       q.Embedder.Model(),
			CreatedAt:   createdAt,
		}
	}
	if err := q.Store.ReplaceVectors(ctx, job.SourceTable, job.SourceID, rows); err != nil {
		return err
	}
	log.Debug("Stored embeddings", zap.Int("chunks", len(rows)))
	return nil
}

// embed requests vectors in batches, falling back to single requests
// for a batch the provider rejected.
func (q *Queue) embed(ctx context.Context, log *zap.Logger, chunks []string) ([]Vector, error) {
	batchSize := q.Options.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	out := make([]Vector, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		vectors, err := q.Embedder.Embed(ctx, batch)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(batch))
		}
		if err == nil {
			for _, v := range vectors {
				out = append(out, v)
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("Batch embedding failed, embedding one by one",
			zap.Int("batch", len(batch)), zap.Error(err))
		for _, text := range batch {
			vectors, err := q.Embedder.Embed(ctx, []string{text})
			if err != nil {
				return nil, fmt.Errorf("failed to embed chunk: %w", err)
			}
			if len(vectors) != 1 {
				return nil, fmt.Errorf("got %d vectors for one chunk", len(vectors))
			}
			out = append(out, vectors[0])
		}
	}
	return out, nil
}

func recordText(record map[string]string, spec Table) string {
	parts := make([]string, 0, len(spec.Fields))
	for _, field := range spec.Fields {
		if v := strings.TrimSpace(record[field]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}
