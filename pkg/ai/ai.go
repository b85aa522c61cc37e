// Package ai holds the clients of the AI provider used by the queues.
package ai

import (
	"context"
	"encoding/json"
)

// Embedder turns texts into embedding vectors.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model names the embedding model, stored alongside vectors.
	Model() string
}

// Document is one input of an extraction.
type Document struct {
	FileID string
	Text   string
}

// Extractor pulls structured grant data out of documents.
type Extractor interface {
	Extract(ctx context.Context, docs []Document) (json.RawMessage, error)
}
