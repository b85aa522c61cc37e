package providers

import (
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.od2.network/aiqueue/pkg/ai"
	"go.od2.network/aiqueue/pkg/cachegc"
	"go.od2.network/aiqueue/pkg/ratelimit"
	"go.uber.org/zap"
)

// AI provider config keys.
const (
	ConfAIBaseURL            = "ai.base_url"
	ConfAIAPIKey             = "ai.api_key"
	ConfAIEmbeddingModel     = "ai.embedding_model"
	ConfAIExtractionModel    = "ai.extraction_model"
	ConfAITimeout            = "ai.timeout"
	ConfAIBreakerFailures    = "ai.breaker.failures"
	ConfAIBreakerOpenTimeout = "ai.breaker.open_timeout"
	ConfAICacheSize          = "ai.cache.size"
	ConfAICacheTTL           = "ai.cache.ttl"
	ConfAIRateLimit          = "ai.rate_limit"
	ConfAIRateWindow         = "ai.rate_window"
)

func init() {
	viper.SetDefault(ConfAIBaseURL, "https://api.openai.com")
	viper.SetDefault(ConfAIAPIKey, "")
	viper.SetDefault(ConfAIEmbeddingModel, "text-embedding-3-small")
	viper.SetDefault(ConfAIExtractionModel, "gpt-4o-mini")
	viper.SetDefault(ConfAITimeout, 90*time.Second)
	viper.SetDefault(ConfAIBreakerFailures, 5)
	viper.SetDefault(ConfAIBreakerOpenTimeout, 30*time.Second)
	viper.SetDefault(ConfAICacheSize, 4096)
	viper.SetDefault(ConfAICacheTTL, time.Hour)
	viper.SetDefault(ConfAIRateLimit, 0.0)
	viper.SetDefault(ConfAIRateWindow, 10*time.Second)
}

// NewAIClient creates the HTTP client of the AI provider.
func NewAIClient(log *zap.Logger) *ai.Client {
	client := &ai.Client{
		HTTP:            &http.Client{Timeout: viper.GetDuration(ConfAITimeout)},
		BaseURL:         viper.GetString(ConfAIBaseURL),
		APIKey:          viper.GetString(ConfAIAPIKey),
		EmbeddingModel:  viper.GetString(ConfAIEmbeddingModel),
		ExtractionModel: viper.GetString(ConfAIExtractionModel),
	}
	if rate := viper.GetFloat64(ConfAIRateLimit); rate > 0 {
		client.Limit = ratelimit.New(rate, viper.GetDuration(ConfAIRateWindow))
	}
	if client.APIKey == "" {
		log.Warn("Empty " + ConfAIAPIKey)
	}
	log.Info("Using AI provider",
		zap.String(ConfAIBaseURL, client.BaseURL),
		zap.String(ConfAIEmbeddingModel, client.EmbeddingModel),
		zap.String(ConfAIExtractionModel, client.ExtractionModel))
	return client
}

// NewAIBreaker wraps the provider client with a circuit breaker.
func NewAIBreaker(log *zap.Logger, client *ai.Client) *ai.Breaker {
	return ai.NewBreaker(log.Named("ai"), ai.BreakerSettings{
		Failures:    viper.GetUint32(ConfAIBreakerFailures),
		OpenTimeout: viper.GetDuration(ConfAIBreakerOpenTimeout),
	}, client, client)
}

// NewEmbeddingCache creates the process-wide embedding cache.
func NewEmbeddingCache() (*cachegc.Cache, error) {
	return cachegc.NewCache(viper.GetInt(ConfAICacheSize), viper.GetDuration(ConfAICacheTTL))
}

// NewEmbedder returns the cached, circuit-broken embedder.
func NewEmbedder(breaker *ai.Breaker, cache *cachegc.Cache) ai.Embedder {
	return &ai.CachedEmbedder{Embedder: breaker, Cache: cache}
}

// NewExtractor returns the circuit-broken extractor.
func NewExtractor(breaker *ai.Breaker) ai.Extractor {
	return breaker
}
