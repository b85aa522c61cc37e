package ai

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"go.od2.network/aiqueue/pkg/cachegc"
)

// CachedEmbedder memoizes vectors of recently embedded texts.
// Re-embedding a record whose text barely changed only pays for the changed chunks.
type CachedEmbedder struct {
	Embedder Embedder
	Cache    *cachegc.Cache
}

// Model returns the wrapped embedding model.
func (c *CachedEmbedder) Model() string {
	return c.Embedder.Model()
}

// Embed looks up texts in the cache and embeds the rest.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if v, ok := c.Cache.Get(c.key(text)); ok {
			vectors[i] = v.([]float32)
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}
	fetched, err := c.Embedder.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, v := range fetched {
		vectors[missIdx[j]] = v
		c.Cache.Add(c.key(missTexts[j]), v)
	}
	return vectors, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := md5.Sum([]byte(c.Embedder.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
