package ai

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configure the provider circuit breaker.
type BreakerSettings struct {
	Failures    uint32        // consecutive failures that open the breaker
	OpenTimeout time.Duration // time until a half-open probe
}

// Breaker stops calling the provider after repeated failures.
// Calls made while open fail fast with gobreaker.ErrOpenState,
// which the queues treat like any other failure.
type Breaker struct {
	Embedder  Embedder
	Extractor Extractor

	cb *gobreaker.CircuitBreaker
}

// NewBreaker wraps provider clients with a shared circuit breaker.
func NewBreaker(log *zap.Logger, settings BreakerSettings, embedder Embedder, extractor Extractor) *Breaker {
	failures := settings.Failures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Canceled calls say nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("AI circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Breaker{Embedder: embedder, Extractor: extractor, cb: cb}
}

// Model returns the wrapped embedding model.
func (b *Breaker) Model() string {
	return b.Embedder.Model()
}

// Embed calls the wrapped Embedder.
func (b *Breaker) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.Embedder.Embed(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]float32), nil
}

// Extract calls the wrapped Extractor.
func (b *Breaker) Extract(ctx context.Context, docs []Document) (json.RawMessage, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.Extractor.Extract(ctx, docs)
	})
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
