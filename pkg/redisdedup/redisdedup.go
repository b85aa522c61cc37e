// Package redisdedup collapses duplicate job submissions
// using short-lived marker keys in Redis.
package redisdedup

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL is the default dedup window.
const DefaultTTL = 60 * time.Second

// Set decides whether payloads were already accepted recently.
//
// Claim marks all payloads as seen and reports which ones were not seen before.
// Release forgets payloads claimed by a submission that did not go through.
type Set interface {
	Claim(ctx context.Context, queue string, payloads [][]byte) ([]bool, error)
	Release(ctx context.Context, queue string, payloads [][]byte) error
}

// Markers implements Set with one SET NX PX key per payload fingerprint.
type Markers struct {
	Redis  redis.UniversalClient
	Prefix string        // key prefix, defaults to "dedup"
	TTL    time.Duration // dedup window, defaults to DefaultTTL
}

// Assert Markers implements Set.
var _ Set = (*Markers)(nil)

// Key returns the marker key of a payload.
func (m *Markers) Key(queue string, payload []byte) string {
	prefix := m.Prefix
	if prefix == "" {
		prefix = "dedup"
	}
	return prefix + ":" + queue + ":" + Fingerprint(queue, payload)
}

// Claim sets markers for all payloads in a single round trip.
// The returned slice is true for payloads that were new.
// Identical payloads within one call count as duplicates of the first.
func (m *Markers) Claim(ctx context.Context, queue string, payloads [][]byte) ([]bool, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pipe := m.Redis.Pipeline()
	defer pipe.Close()
	cmds := make([]*redis.BoolCmd, len(payloads))
	for i, payload := range payloads {
		cmds[i] = pipe.SetNX(ctx, m.Key(queue, payload), 1, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to set dedup markers: %w", err)
	}
	fresh := make([]bool, len(payloads))
	for i, cmd := range cmds {
		fresh[i] = cmd.Val()
	}
	return fresh, nil
}

// Release deletes the markers of payloads in a single round trip.
func (m *Markers) Release(ctx context.Context, queue string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	pipe := m.Redis.Pipeline()
	defer pipe.Close()
	for _, payload := range payloads {
		pipe.Del(ctx, m.Key(queue, payload))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete dedup markers: %w", err)
	}
	return nil
}

// Fingerprint returns the hex MD5 of the queue name and canonical payload.
func Fingerprint(queue string, payload []byte) string {
	h := md5.New()
	h.Write([]byte(queue))
	h.Write(Canonical(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical re-encodes JSON with sorted object keys and no insignificant whitespace.
// Invalid JSON is returned as is.
func Canonical(payload []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return payload
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return payload
	}
	return buf
}
