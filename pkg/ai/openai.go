package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.od2.network/aiqueue/pkg/ratelimit"
)

// ExtractionPrompt is the system prompt of grant extractions.
const ExtractionPrompt = `You extract structured data from grant application documents.
Reply with a single JSON object with the keys
"title", "applicant", "amount", "currency", "start_date", "end_date", "summary".
Use null for values not found in the documents.`

// Client talks to an OpenAI-compatible HTTP API.
type Client struct {
	HTTP            *http.Client
	BaseURL         string // e.g. https://api.openai.com
	APIKey          string
	EmbeddingModel  string
	ExtractionModel string
	Limit           *ratelimit.Limiter // optional
}

// Assert Client implements Embedder and Extractor.
var (
	_ Embedder  = (*Client)(nil)
	_ Extractor = (*Client)(nil)
)

// Model returns the embedding model.
func (c *Client) Model() string {
	return c.EmbeddingModel
}

// Embed calls the embeddings endpoint.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := map[string]interface{}{
		"model": c.EmbeddingModel,
		"input": texts,
	}
	var res struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/v1/embeddings", req, &res); err != nil {
		return nil, err
	}
	if len(res.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(res.Data), len(texts))
	}
	sort.Slice(res.Data, func(i, j int) bool {
		return res.Data[i].Index < res.Data[j].Index
	})
	vectors := make([][]float32, len(res.Data))
	for i, d := range res.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Extract runs the extraction prompt over the concatenated documents.
func (c *Client) Extract(ctx context.Context, docs []Document) (json.RawMessage, error) {
	if len(docs) == 0 {
		return nil, errors.New("no documents to extract from")
	}
	var content strings.Builder
	for _, doc := range docs {
		fmt.Fprintf(&content, "--- Document %s ---\n%s\n\n", doc.FileID, doc.Text)
	}
	req := map[string]interface{}{
		"model": c.ExtractionModel,
		"messages": []map[string]string{
			{"role": "system", "content": ExtractionPrompt},
			{"role": "user", "content": content.String()},
		},
		"temperature":     0,
		"response_format": map[string]string{"type": "json_object"},
	}
	var res struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/v1/chat/completions", req, &res); err != nil {
		return nil, err
	}
	if len(res.Choices) == 0 {
		return nil, errors.New("no completion returned")
	}
	out := json.RawMessage(res.Choices[0].Message.Content)
	if !json.Valid(out) {
		return nil, fmt.Errorf("completion is not JSON: %.100q", res.Choices[0].Message.Content)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := c.Limit.Wait(ctx); err != nil {
		return err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.BaseURL, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

// StatusError is a non-200 reply of the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Body)
}
