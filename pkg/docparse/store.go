package docparse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultTable is the default parsed-text table.
const DefaultTable = "ai_document_texts"

// Text is the parse result of a file.
type Text struct {
	FileID    string    `db:"file_id"`
	MIMEType  string    `db:"mime_type"`
	Text      string    `db:"text"`
	Truncated bool      `db:"truncated"`
	ParsedAt  time.Time `db:"parsed_at"`
}

// TextStore persists parse results.
type TextStore interface {
	// UpsertText stores a result, replacing an earlier parse of the same file.
	UpsertText(ctx context.Context, text *Text) error
	// GetText returns the stored result, or nil if the file was not parsed yet.
	GetText(ctx context.Context, fileID string) (*Text, error)
}

// SQLStore implements TextStore on MariaDB.
type SQLStore struct {
	DB        *sqlx.DB
	TableName string
}

// Assert SQLStore implements TextStore.
var _ TextStore = (*SQLStore)(nil)

// CreateTable creates the parsed-text table.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = "CREATE TABLE IF NOT EXISTS `%s` (" + `
	file_id VARCHAR(255) NOT NULL PRIMARY KEY,
	mime_type VARCHAR(255) NOT NULL,
	text MEDIUMTEXT NOT NULL,
	truncated BOOL NOT NULL DEFAULT FALSE,
	parsed_at DATETIME NOT NULL
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.TableName))
	return err
}

// UpsertText inserts or replaces the text of a file.
func (s *SQLStore) UpsertText(ctx context.Context, text *Text) error {
	// language=MariaDB
	const template = "INSERT INTO `%s` (file_id, mime_type, text, truncated, parsed_at)" + `
VALUES (:file_id, :mime_type, :text, :truncated, :parsed_at)
ON DUPLICATE KEY UPDATE
	mime_type = VALUES(mime_type),
	text = VALUES(text),
	truncated = VALUES(truncated),
	parsed_at = VALUES(parsed_at);`
	if _, err := s.DB.NamedExecContext(ctx, fmt.Sprintf(template, s.TableName), text); err != nil {
		return fmt.Errorf("failed to store text of %s: %w", text.FileID, err)
	}
	return nil
}

// GetText reads the text of a file.
func (s *SQLStore) GetText(ctx context.Context, fileID string) (*Text, error) {
	// language=MariaDB
	const template = "SELECT file_id, mime_type, text, truncated, parsed_at FROM `%s` WHERE file_id = ?;"
	text := new(Text)
	err := s.DB.GetContext(ctx, text, fmt.Sprintf(template, s.TableName), fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get text of %s: %w", fileID, err)
	}
	return text, nil
}
