package grantextract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &SQLStore{DB: db, TableName: "grant_extraction_jobs_1", GrantsTable: "grants_1"}
	require.NoError(t, store.CreateTable(ctx))
	// language=MariaDB
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS grants_1 (
	id VARCHAR(255) NOT NULL PRIMARY KEY,
	ai_extracted_data JSON NULL,
	ai_extraction_status VARCHAR(16) NULL
);`)
	require.NoError(t, err)
	for _, stmt := range []string{
		"DELETE FROM grant_extraction_jobs_1;",
		"DELETE FROM grants_1;",
		"INSERT INTO grants_1 (id) VALUES ('g1');",
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	newRow := func(file string) *Row {
		return &Row{BatchID: "b1", GrantID: "g1", FileID: file, UserID: "u1", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	}
	n, err := store.InsertJobs(ctx, []*Row{newRow("f1"), newRow("f2")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = store.InsertJobs(ctx, []*Row{newRow("f2"), newRow("f3")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "duplicate file ignored")

	rows, err := store.OpenRows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "f1", rows[0].FileID)
	assert.Equal(t, now, rows[0].UpdatedAt)

	later := now.Add(time.Minute)
	require.NoError(t, store.MarkCompleted(ctx, rows[0].ID, later))
	require.NoError(t, store.MarkRetry(ctx, rows[1].ID, "not ready", 2, later))
	require.NoError(t, store.MarkRetry(ctx, rows[1].ID, "not ready", 2, later))

	rows, err = store.BatchRows(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, StatusCompleted, rows[0].Status)
	assert.Equal(t, StatusFailed, rows[1].Status)
	assert.Equal(t, 2, rows[1].RetryCount)
	assert.Equal(t, StatusPending, rows[2].Status)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	data := json.RawMessage(`{"title":"Grant"}`)
	require.NoError(t, store.FinishBatch(ctx, "b1", StatusDone, data, "", later))
	require.NoError(t, store.UpdateGrant(ctx, "g1", StatusCompleted, data))
	assert.ErrorIs(t, store.UpdateGrant(ctx, "missing", StatusCompleted, data), ErrGrantNotFound)

	var status string
	require.NoError(t, db.GetContext(ctx, &status, "SELECT ai_extraction_status FROM grants_1 WHERE id = 'g1';"))
	assert.Equal(t, StatusCompleted, status)
	rows, err = store.OpenRows(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
