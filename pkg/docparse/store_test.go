package docparse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &SQLStore{DB: db, TableName: "ai_document_texts_1"}
	require.NoError(t, store.CreateTable(ctx))

	text, err := store.GetText(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, text)

	first := &Text{
		FileID:   "f1",
		MIMEType: "text/plain",
		Text:     "first",
		ParsedAt: time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.UpsertText(ctx, first))
	second := &Text{
		FileID:    "f1",
		MIMEType:  "text/markdown",
		Text:      "second",
		Truncated: true,
		ParsedAt:  time.Date(2021, 5, 1, 13, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.UpsertText(ctx, second))

	text, err = store.GetText(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, second, text)
}
