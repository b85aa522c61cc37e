package embedding

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Vector is the JSON column type of embeddings.
type Vector []float32

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	return json.Marshal([]float32(v))
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		return json.Unmarshal(s, (*[]float32)(v))
	case string:
		return json.Unmarshal([]byte(s), (*[]float32)(v))
	case nil:
		*v = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Vector", src)
	}
}

// Row is one embedded chunk of a source record.
type Row struct {
	SourceTable string    `db:"source_table"`
	SourceID    string    `db:"source_id"`
	ChunkIndex  int       `db:"chunk_index"`
	Content     string    `db:"content"`
	Embedding   Vector    `db:"embedding"`
	Model       string    `db:"model"`
	CreatedAt   time.Time `db:"created_at"`
}

// Store reads source records and writes embedding rows.
type Store interface {
	// FetchRecord returns the allow-listed columns of a record, or nil if it does not exist.
	FetchRecord(ctx context.Context, table string, spec Table, id string) (map[string]string, error)
	DeleteVectors(ctx context.Context, table, id string) error
	// ReplaceVectors atomically swaps all rows of a source record.
	ReplaceVectors(ctx context.Context, table, id string, rows []Row) error
}

// SQLStore implements Store on MariaDB.
type SQLStore struct {
	DB        *sqlx.DB
	TableName string // embeddings table
}

// Assert SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// CreateTable creates the embeddings table.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = `CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	source_table VARCHAR(64) NOT NULL,
	source_id VARCHAR(255) NOT NULL,
	chunk_index INT NOT NULL,
	content TEXT NOT NULL,
	embedding JSON NOT NULL,
	model VARCHAR(128) NOT NULL,
	created_at DATETIME NOT NULL,
	KEY source (source_table, source_id)
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, quoteIdent(s.TableName)))
	return err
}

// FetchRecord selects the allow-listed columns of a source record.
func (s *SQLStore) FetchRecord(ctx context.Context, table string, spec Table, id string) (map[string]string, error) {
	cols := make([]string, len(spec.Fields))
	for i, f := range spec.Fields {
		cols[i] = quoteIdent(f)
	}
	// language=MariaDB
	const template = `SELECT %s FROM %s WHERE %s = ? LIMIT 1;`
	query := fmt.Sprintf(template, strings.Join(cols, ", "), quoteIdent(table), quoteIdent(spec.PrimaryKey))
	raw := make(map[string]interface{})
	err := s.DB.QueryRowxContext(ctx, query, id).MapScan(raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", table, id, err)
	}
	record := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			record[k] = ""
		case []byte:
			record[k] = string(val)
		default:
			record[k] = fmt.Sprint(val)
		}
	}
	return record, nil
}

// DeleteVectors removes all rows of a source record.
func (s *SQLStore) DeleteVectors(ctx context.Context, table, id string) error {
	// language=MariaDB
	const stmt = `DELETE FROM %s WHERE source_table = ? AND source_id = ?;`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(stmt, quoteIdent(s.TableName)), table, id)
	return err
}

// ReplaceVectors deletes and re-inserts the rows of a source record in one transaction.
func (s *SQLStore) ReplaceVectors(ctx context.Context, table, id string, rows []Row) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// language=MariaDB
	const deleteStmt = `DELETE FROM %s WHERE source_table = ? AND source_id = ?;`
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(deleteStmt, quoteIdent(s.TableName)), table, id); err != nil {
		return fmt.Errorf("failed to delete old vectors: %w", err)
	}
	if len(rows) > 0 {
		// language=MariaDB
		const insertStmt = `INSERT INTO %s (source_table, source_id, chunk_index, content, embedding, model, created_at)
VALUES (:source_table, :source_id, :chunk_index, :content, :embedding, :model, :created_at);`
		if _, err := tx.NamedExecContext(ctx, fmt.Sprintf(insertStmt, quoteIdent(s.TableName)), rows); err != nil {
			return fmt.Errorf("failed to insert vectors: %w", err)
		}
	}
	return tx.Commit()
}

// ListVectors returns the rows of a source record ordered by chunk.
func (s *SQLStore) ListVectors(ctx context.Context, table, id string) ([]Row, error) {
	// language=MariaDB
	const stmt = `SELECT source_table, source_id, chunk_index, content, embedding, model, created_at
FROM %s WHERE source_table = ? AND source_id = ? ORDER BY chunk_index;`
	var rows []Row
	err := s.DB.SelectContext(ctx, &rows, fmt.Sprintf(stmt, quoteIdent(s.TableName)), table, id)
	return rows, err
}
