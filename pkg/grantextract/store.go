package grantextract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Job statuses.
//
// A file job moves pending → completed once its text is available,
// or pending → failed after MaxRetries unsuccessful checks.
// When the batch is resolved all its rows move to done or aborted.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDone      = "done"
	StatusAborted   = "aborted"
)

// ErrGrantNotFound is returned by UpdateGrant when the grant record is gone.
var ErrGrantNotFound = errors.New("grant does not exist")

// Row is one file of a grant submission.
type Row struct {
	ID         int64     `db:"id"`
	BatchID    string    `db:"batch_id"`
	GrantID    string    `db:"grant_id"`
	FileID     string    `db:"file_id"`
	UserID     string    `db:"user_id"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Store is the relational state of the grant extraction queue.
type Store interface {
	// InsertJobs adds rows, ignoring files already part of their batch.
	InsertJobs(ctx context.Context, rows []*Row) (int64, error)
	// OpenRows returns up to limit rows of unresolved batches, oldest first.
	OpenRows(ctx context.Context, limit int) ([]*Row, error)
	BatchRows(ctx context.Context, batchID string) ([]*Row, error)
	// MarkCompleted flags a file as ready and resets its retry count.
	MarkCompleted(ctx context.Context, id int64, now time.Time) error
	// MarkRetry counts a failed attempt, failing the row once maxRetries is reached.
	MarkRetry(ctx context.Context, id int64, msg string, maxRetries int, now time.Time) error
	// FinishBatch resolves all rows of a batch.
	FinishBatch(ctx context.Context, batchID, status string, data json.RawMessage, msg string, now time.Time) error
	// UpdateGrant fails with ErrGrantNotFound for unknown grants.
	UpdateGrant(ctx context.Context, grantID, status string, data json.RawMessage) error
	CountPending(ctx context.Context) (int64, error)
}

// SQLStore implements Store on MariaDB.
type SQLStore struct {
	DB          *sqlx.DB
	TableName   string // job table
	GrantsTable string
}

// Assert SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// CreateTable creates the job table.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = "CREATE TABLE IF NOT EXISTS `%s` (" + `
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	batch_id VARCHAR(64) NOT NULL,
	grant_id VARCHAR(255) NOT NULL,
	file_id VARCHAR(255) NOT NULL,
	user_id VARCHAR(255) NOT NULL,
	status VARCHAR(16) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	extracted_data JSON NULL,
	error_message TEXT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE KEY batch_file (batch_id, file_id),
	KEY status (status)
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

// InsertJobs bulk-inserts rows with INSERT IGNORE.
func (s *SQLStore) InsertJobs(ctx context.Context, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	// language=MariaDB
	const template = "INSERT IGNORE INTO `%s` (batch_id, grant_id, file_id, user_id, status, retry_count, created_at, updated_at)" + `
VALUES (:batch_id, :grant_id, :file_id, :user_id, :status, :retry_count, :created_at, :updated_at);`
	res, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(template, s.TableName), rows)
	if err != nil {
		return 0, fmt.Errorf("failed to insert grant extraction jobs: %w", err)
	}
	return res.RowsAffected()
}

const rowColumns = "id, batch_id, grant_id, file_id, user_id, status, retry_count, created_at, updated_at"

// OpenRows selects pending and completed rows.
func (s *SQLStore) OpenRows(ctx context.Context, limit int) ([]*Row, error) {
	// language=MariaDB
	const template = "SELECT " + rowColumns + " FROM `%s` WHERE status IN (?, ?) ORDER BY id LIMIT ?;"
	var rows []*Row
	err := s.DB.SelectContext(ctx, &rows, fmt.Sprintf(template, s.TableName),
		StatusPending, StatusCompleted, limit)
	return rows, err
}

// BatchRows selects all rows of a batch.
func (s *SQLStore) BatchRows(ctx context.Context, batchID string) ([]*Row, error) {
	// language=MariaDB
	const template = "SELECT " + rowColumns + " FROM `%s` WHERE batch_id = ? ORDER BY id;"
	var rows []*Row
	err := s.DB.SelectContext(ctx, &rows, fmt.Sprintf(template, s.TableName), batchID)
	return rows, err
}

// MarkCompleted sets a pending row to completed.
func (s *SQLStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	// language=MariaDB
	const template = "UPDATE `%s` SET status = ?, retry_count = 0, error_message = NULL, updated_at = ? WHERE id = ? AND status = ?;"
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName),
		StatusCompleted, now, id, StatusPending)
	return err
}

// MarkRetry bumps the retry count of an open row.
func (s *SQLStore) MarkRetry(ctx context.Context, id int64, msg string, maxRetries int, now time.Time) error {
	// Assignments are evaluated left to right, status must see the old count.
	// language=MariaDB
	const template = "UPDATE `%s` SET" + `
	status = IF(retry_count + 1 >= ?, ?, status),
	retry_count = retry_count + 1,
	error_message = ?,
	updated_at = ?
WHERE id = ? AND status IN (?, ?);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName),
		maxRetries, StatusFailed, msg, now, id, StatusPending, StatusCompleted)
	return err
}

// FinishBatch sets the terminal status of every row in a batch.
func (s *SQLStore) FinishBatch(ctx context.Context, batchID, status string, data json.RawMessage, msg string, now time.Time) error {
	// language=MariaDB
	const template = "UPDATE `%s` SET status = ?, extracted_data = ?, error_message = ?, updated_at = ? WHERE batch_id = ?;"
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName),
		status, nullJSON(data), nullString(msg), now, batchID)
	return err
}

// UpdateGrant writes the extraction result to the grant record.
func (s *SQLStore) UpdateGrant(ctx context.Context, grantID, status string, data json.RawMessage) error {
	// language=MariaDB
	const template = "UPDATE `%s` SET ai_extracted_data = ?, ai_extraction_status = ? WHERE id = ?;"
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.GrantsTable), nullJSON(data), status, grantID)
	if err != nil {
		return fmt.Errorf("failed to update grant %s: %w", grantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Unchanged rows report 0 too, so only check existence.
		var exists bool
		// language=MariaDB
		const query = "SELECT EXISTS(SELECT 1 FROM `%s` WHERE id = ?);"
		if err := s.DB.GetContext(ctx, &exists, fmt.Sprintf(query, s.GrantsTable), grantID); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("grant %s: %w", grantID, ErrGrantNotFound)
		}
	}
	return nil
}

// CountPending counts pending rows.
func (s *SQLStore) CountPending(ctx context.Context) (int64, error) {
	// language=MariaDB
	const template = "SELECT COUNT(*) FROM `%s` WHERE status = ?;"
	var n int64
	err := s.DB.GetContext(ctx, &n, fmt.Sprintf(template, s.TableName), StatusPending)
	return n, err
}

func nullJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func nullString(s string) interface{} {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return s
}
