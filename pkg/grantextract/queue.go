// Package grantextract runs AI extraction over the documents of grant submissions.
//
// Jobs are rows of a relational table grouped by batch.
// The extraction of a batch only starts once every file of the batch has parsed text,
// and a batch with a failed file is aborted without extraction.
package grantextract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.od2.network/aiqueue/pkg/ai"
	"go.od2.network/aiqueue/pkg/docparse"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/notify"
	"go.od2.network/aiqueue/pkg/redislock"
	"go.uber.org/zap"
)

// Job is one file of a grant submission.
// Jobs added in the same call without a BatchID share a generated one.
type Job struct {
	BatchID string `json:"batch_id,omitempty"`
	GrantID string `json:"grant_id"`
	FileID  string `json:"file_id"`
	UserID  string `json:"user_id,omitempty"`
}

// recordTimeout bounds writing the outcome of an extraction that overran the lock budget.
const recordTimeout = 5 * time.Second

// Options control the grant extraction queue.
type Options struct {
	LockTimeout      time.Duration // budget per batch pass
	PollBatch        int           // rows per poll pass
	MaxRetries       int           // failed checks before a row fails
	RetryInterval    time.Duration // min delay between checks of a row
	GrantsCollection string        // collection named in notifications
}

// DefaultOptions returns the default grant extraction options.
func DefaultOptions() Options {
	return Options{
		LockTimeout:      60 * time.Second,
		PollBatch:        50,
		MaxRetries:       5,
		RetryInterval:    time.Minute,
		GrantsCollection: "grants",
	}
}

// Queue is the grant extraction queue.
type Queue struct {
	Store     Store
	Texts     docparse.TextStore
	Extractor ai.Extractor
	Notifier  notify.Notifier
	Locker    *redislock.Locker
	Log       *zap.Logger
	Options   Options

	Accountability *jobs.Accountability

	now func() time.Time
}

// Assert Queue implements jobs.Queue.
var _ jobs.Queue = (*Queue)(nil)

// Name returns jobs.GrantExtraction.
func (q *Queue) Name() jobs.Name {
	return jobs.GrantExtraction
}

func (q *Queue) clock() time.Time {
	if q.now != nil {
		return q.now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

// AddGrantExtractionJobs inserts file jobs as pending rows.
// The submitting user defaults to the accountability of the queue.
func (q *Queue) AddGrantExtractionJobs(ctx context.Context, batch []Job) (int, error) {
	now := q.clock()
	generated := ""
	rows := make([]*Row, len(batch))
	for i, job := range batch {
		if job.GrantID == "" || job.FileID == "" {
			return 0, fmt.Errorf("grant extraction job %d: grant_id and file_id are required", i)
		}
		if job.BatchID == "" {
			if generated == "" {
				generated = uuid.NewString()
			}
			job.BatchID = generated
		}
		if job.UserID == "" && q.Accountability != nil {
			job.UserID = q.Accountability.User
		}
		rows[i] = &Row{
			BatchID:   job.BatchID,
			GrantID:   job.GrantID,
			FileID:    job.FileID,
			UserID:    job.UserID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	n, err := q.Store.InsertJobs(ctx, rows)
	return int(n), err
}

// Requeue inserts the rows of a dead-lettered job payload again.
func (q *Queue) Requeue(ctx context.Context, job *jobs.Job) error {
	var batch []Job
	if err := job.Decode(&batch); err != nil {
		var single Job
		if err := job.Decode(&single); err != nil {
			return err
		}
		batch = []Job{single}
	}
	_, err := q.AddGrantExtractionJobs(ctx, batch)
	return err
}

// Size returns the number of pending rows.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.Store.CountPending(ctx)
}

// Process runs one poll pass over the open batches.
// Failures of single batches are logged and do not stop the pass.
func (q *Queue) Process(ctx context.Context) error {
	rows, err := q.Store.OpenRows(ctx, q.Options.PollBatch)
	if err != nil {
		return fmt.Errorf("failed to poll grant extraction jobs: %w", err)
	}
	seen := make(map[string]bool)
	for _, row := range rows {
		if seen[row.BatchID] {
			continue
		}
		seen[row.BatchID] = true
		batchID := row.BatchID
		log := q.Log.With(zap.String("batch_id", batchID))
		acquired, err := q.Locker.WithLock(ctx, "grant-extraction:batch:"+batchID, q.Options.LockTimeout,
			func(lockCtx context.Context) error {
				return q.processBatch(lockCtx, ctx, log, batchID)
			})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !acquired {
			if err != nil {
				return err
			}
			log.Debug("Batch locked by other consumer")
			continue
		}
		if errors.Is(err, redislock.ErrTimeout) {
			log.Warn("Batch pass timed out", zap.Error(err))
		} else if err != nil {
			log.Error("Batch pass failed", zap.Error(err))
		}
	}
	return nil
}

func (q *Queue) due(row *Row, now time.Time) bool {
	return row.RetryCount == 0 || now.Sub(row.UpdatedAt) >= q.Options.RetryInterval
}

// extractDeadline leaves part of the lock budget for recording the outcome.
func (q *Queue) extractDeadline() time.Time {
	if q.Options.LockTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(q.Options.LockTimeout * 3 / 4)
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// processBatch runs under the batch lock with ctx.
// parent is the poll context, it outlives ctx when the lock budget runs out.
func (q *Queue) processBatch(ctx, parent context.Context, log *zap.Logger, batchID string) error {
	deadline := q.extractDeadline()
	rows, err := q.Store.BatchRows(ctx, batchID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	now := q.clock()

	// Readiness of pending files.
	for _, row := range rows {
		if row.Status != StatusPending || !q.due(row, now) {
			continue
		}
		text, err := q.Texts.GetText(ctx, row.FileID)
		if err != nil {
			return err
		}
		if text != nil {
			if err := q.Store.MarkCompleted(ctx, row.ID, now); err != nil {
				return err
			}
			row.Status, row.RetryCount, row.UpdatedAt = StatusCompleted, 0, now
			log.Debug("File ready", zap.String("file_id", row.FileID))
			continue
		}
		if err := q.markRetry(ctx, row, "document text not available", now); err != nil {
			return err
		}
		log.Info("File not ready",
			zap.String("file_id", row.FileID),
			zap.String("attempt", fmt.Sprintf("%d/%d", row.RetryCount, q.Options.MaxRetries)))
	}

	// Barrier.
	var failed []string
	ready := true
	extractDue := true
	for _, row := range rows {
		switch row.Status {
		case StatusFailed:
			failed = append(failed, row.FileID)
		case StatusCompleted:
			extractDue = extractDue && q.due(row, now)
		default:
			ready = false
		}
	}
	if len(failed) > 0 {
		return q.abort(ctx, log, rows, fmt.Sprintf("files failed: %s", strings.Join(failed, ", ")))
	}
	if !ready || !extractDue {
		return nil
	}
	return q.extract(ctx, parent, log, rows, deadline)
}

func (q *Queue) markRetry(ctx context.Context, row *Row, msg string, now time.Time) error {
	if err := q.Store.MarkRetry(ctx, row.ID, msg, q.Options.MaxRetries, now); err != nil {
		return err
	}
	row.RetryCount++
	row.UpdatedAt = now
	if row.RetryCount >= q.Options.MaxRetries {
		row.Status = StatusFailed
	}
	return nil
}

func (q *Queue) extract(ctx, parent context.Context, log *zap.Logger, rows []*Row, deadline time.Time) error {
	docs := make([]ai.Document, 0, len(rows))
	for _, row := range rows {
		text, err := q.Texts.GetText(ctx, row.FileID)
		if err != nil {
			return err
		}
		if text == nil {
			return fmt.Errorf("text of %s disappeared", row.FileID)
		}
		docs = append(docs, ai.Document{FileID: row.FileID, Text: text.Text})
	}
	head := rows[0]
	log.Info("Extracting grant data",
		zap.String("grant_id", head.GrantID),
		zap.Int("documents", len(docs)))
	extractCtx, cancel := withDeadline(ctx, deadline)
	defer cancel()
	data, extractErr := q.Extractor.Extract(extractCtx, docs)
	if extractErr != nil {
		if parent.Err() != nil {
			return extractErr
		}
		if extractCtx.Err() != nil {
			extractErr = fmt.Errorf("extraction timed out: %w", extractErr)
		}
		if ctx.Err() != nil {
			// Lock budget exhausted, the attempt still counts.
			var cancelRetry context.CancelFunc
			ctx, cancelRetry = context.WithTimeout(parent, recordTimeout)
			defer cancelRetry()
		}
		now := q.clock()
		failed := false
		for _, row := range rows {
			if err := q.markRetry(ctx, row, extractErr.Error(), now); err != nil {
				return err
			}
			failed = failed || row.Status == StatusFailed
		}
		log.Warn("Extraction failed",
			zap.String("attempt", fmt.Sprintf("%d/%d", head.RetryCount, q.Options.MaxRetries)),
			zap.Error(extractErr))
		if failed {
			return q.abort(ctx, log, rows, extractErr.Error())
		}
		return nil
	}

	if err := q.Store.UpdateGrant(ctx, head.GrantID, StatusCompleted, data); errors.Is(err, ErrGrantNotFound) {
		return q.drop(ctx, log, head)
	} else if err != nil {
		return err
	}
	if err := q.Store.FinishBatch(ctx, head.BatchID, StatusDone, data, "", q.clock()); err != nil {
		return err
	}
	log.Info("Grant extraction finished", zap.String("grant_id", head.GrantID))
	q.notify(ctx, log, &notify.Notification{
		Recipient:  head.UserID,
		Subject:    "AI extraction completed",
		Message:    fmt.Sprintf("Data was extracted from %d documents of grant %s.", len(docs), head.GrantID),
		Collection: q.Options.GrantsCollection,
		Item:       head.GrantID,
	})
	return nil
}

func (q *Queue) abort(ctx context.Context, log *zap.Logger, rows []*Row, reason string) error {
	head := rows[0]
	if err := q.Store.UpdateGrant(ctx, head.GrantID, StatusFailed, nil); errors.Is(err, ErrGrantNotFound) {
		return q.drop(ctx, log, head)
	} else if err != nil {
		return err
	}
	if err := q.Store.FinishBatch(ctx, head.BatchID, StatusAborted, nil, reason, q.clock()); err != nil {
		return err
	}
	log.Error("Grant extraction aborted",
		zap.String("grant_id", head.GrantID),
		zap.String("reason", reason))
	q.notify(ctx, log, &notify.Notification{
		Recipient:  head.UserID,
		Subject:    "AI extraction failed",
		Message:    fmt.Sprintf("Data could not be extracted from the documents of grant %s: %s", head.GrantID, reason),
		Collection: q.Options.GrantsCollection,
		Item:       head.GrantID,
	})
	return nil
}

// drop closes the batch of a grant that no longer exists.
// Nobody is notified, the grant page is gone.
func (q *Queue) drop(ctx context.Context, log *zap.Logger, head *Row) error {
	if err := q.Store.FinishBatch(ctx, head.BatchID, StatusAborted, nil, "grant deleted", q.clock()); err != nil {
		return err
	}
	log.Warn("Grant deleted, batch dropped", zap.String("grant_id", head.GrantID))
	return nil
}

// notify never fails the batch, it is already resolved.
func (q *Queue) notify(ctx context.Context, log *zap.Logger, n *notify.Notification) {
	if q.Notifier == nil || n.Recipient == "" {
		return
	}
	if err := q.Notifier.Notify(ctx, n); err != nil {
		log.Error("Failed to send notification", zap.Error(err))
	}
}
