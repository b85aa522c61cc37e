// Package docparse extracts searchable text from uploaded documents.
package docparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.od2.network/aiqueue/pkg/embedding"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/redisqueue"
	"go.uber.org/zap"
)

// Job asks for one file to be parsed.
type Job struct {
	FileID   string `json:"file_id"`
	MIMEType string `json:"mime_type"`
}

// EmbeddingProducer accepts follow-up embedding jobs.
type EmbeddingProducer interface {
	AddEmbeddingJobs(ctx context.Context, batch []embedding.Job) (int, error)
}

// Options control the document parsing queue.
type Options struct {
	LockTimeout time.Duration
	MaxChars    int    // stored text is cut to this many characters
	MaxItems    int    // jobs per Process call
	TextTable   string // source table of follow-up embedding jobs
}

// DefaultOptions returns the default document parsing queue options.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 60 * time.Second,
		MaxChars:    1000000,
		MaxItems:    1,
		TextTable:   DefaultTable,
	}
}

// Queue is the document parsing queue.
type Queue struct {
	Base       *redisqueue.Queue
	Storage    Storage
	Parsers    Registry
	Texts      TextStore
	Embeddings EmbeddingProducer // optional
	Log        *zap.Logger
	Options    Options

	Accountability *jobs.Accountability
	Schema         json.RawMessage

	now func() time.Time
}

// Assert Queue implements jobs.Queue.
var _ jobs.Queue = (*Queue)(nil)

// Name returns jobs.DocumentParsing.
func (q *Queue) Name() jobs.Name {
	return jobs.DocumentParsing
}

// AddDocumentParsingJobs enqueues parse requests, collapsing duplicates.
func (q *Queue) AddDocumentParsingJobs(ctx context.Context, batch []Job) (int, error) {
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
	n := q.Options.MaxItems
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		ok, err := q.Base.ProcessNext(ctx, q.plan)
		if err != nil || !ok {
			return err
		}
	}
	return nil
}

func (q *Queue) plan(env *jobs.Job) (*redisqueue.Task, error) {
	var job Job
	if err := env.Decode(&job); err != nil {
		return nil, err
	}
	if job.FileID == "" {
		return nil, errors.New("missing file_id")
	}
	parser, ok := q.Parsers.Lookup(job.MIMEType)
	if !ok {
		q.Log.Info("Unsupported MIME type, skipping",
			zap.String("file_id", job.FileID),
			zap.String("mime_type", job.MIMEType))
		return nil, nil
	}
	return &redisqueue.Task{
		Key:     fmt.Sprintf("%s:%s", jobs.DocumentParsing, job.FileID),
		Timeout: q.Options.LockTimeout,
		Run: func(ctx context.Context) error {
			return q.run(ctx, &job, parser)
		},
	}, nil
}

func (q *Queue) run(ctx context.Context, job *Job, parser Parser) error {
	f, err := q.Storage.Open(ctx, job.FileID)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := parser(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", job.FileID, err)
	}
	content, truncated := Truncate(raw, q.Options.MaxChars)
	if truncated {
		q.Log.Warn("Document text truncated",
			zap.String("file_id", job.FileID),
			zap.Int("max_chars", q.Options.MaxChars))
	}
	now := time.Now
	if q.now != nil {
		now = q.now
	}
	err = q.Texts.UpsertText(ctx, &Text{
		FileID:    job.FileID,
		MIMEType:  job.MIMEType,
		Text:      content,
		Truncated: truncated,
		ParsedAt:  now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return err
	}
	q.Log.Debug("Parsed document",
		zap.String("file_id", job.FileID),
		zap.Int("length", len(content)))
	if q.Embeddings == nil {
		return nil
	}
	_, err = q.Embeddings.AddEmbeddingJobs(ctx, []embedding.Job{{
		SourceTable: q.Options.TextTable,
		SourceID:    job.FileID,
		Operation:   embedding.OpUpdate,
	}})
	if err != nil {
		return fmt.Errorf("failed to trigger embedding: %w", err)
	}
	return nil
}

// TextFields is the embedding allow-list entry of the parsed-text table.
func TextFields() embedding.Table {
	return embedding.Table{PrimaryKey: "file_id", Fields: []string{"text"}}
}
