// Package guard holds the three check-then-act gates of the ingestion path:
// nonce replay, per-source rate limiting and notification dedupe.
//
// None of them are atomic. Two concurrent requests on the same key can both
// observe "absent" and both pass, which admits at most one extra replay,
// request or notification. That bound is accepted in exchange for running
// against an eventually-consistent KV without locks.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/PratikDhanave/kanariya/internal/store"
)

// ReplayGuard remembers consumed nonces per token.
type ReplayGuard struct {
	kv store.KV
}

func NewReplayGuard(kv store.KV) *ReplayGuard {
	return &ReplayGuard{kv: kv}
}

// CheckAndConsume accepts a nonce the first time it is seen for token and
// records it for ttl.
func (g *ReplayGuard) CheckAndConsume(ctx context.Context, token, nonce string, ttl time.Duration) (bool, error) {
	key := store.NonceKey(token, nonce)
	_, seen, err := g.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	if seen {
		return false, nil
	}
	if err := g.kv.Put(ctx, key, "1", ttl); err != nil {
		return false, fmt.Errorf("nonce store: %w", err)
	}
	return true, nil
}

// RateLimiter is a fixed-window counter per (token, ip hash).
type RateLimiter struct {
	kv  store.KV
	now func() time.Time
}

// NewRateLimiter returns a limiter; a nil now uses time.Now.
func NewRateLimiter(kv store.KV, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{kv: kv, now: now}
}

// Allow counts one request in the current window bucket and reports whether
// it is within max. It always allows when ipHash is empty or when window or
// max is not positive. A refused request does not increment the counter.
func (l *RateLimiter) Allow(ctx context.Context, token, ipHash string, window time.Duration, max int) (bool, error) {
	windowSec := int64(window / time.Second)
	if ipHash == "" || windowSec <= 0 || max <= 0 {
		return true, nil
	}

	bucket := l.now().Unix() / windowSec
	key := store.RateKey(token, ipHash, bucket)

	raw, _, err := l.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rate counter lookup: %w", err)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		count = 0
	}
	if count >= max {
		return false, nil
	}

	if err := l.kv.Put(ctx, key, strconv.Itoa(count+1), window); err != nil {
		return false, fmt.Errorf("rate counter store: %w", err)
	}
	return true, nil
}

// DedupeGate tracks which (token, ip hash, ua hash) tuples were notified recently.
type DedupeGate struct {
	kv store.KV
}

func NewDedupeGate(kv store.KV) *DedupeGate {
	return &DedupeGate{kv: kv}
}

// CanDedupe reports whether the identity is complete enough to dedupe on.
func CanDedupe(ipHash, uaHash string) bool {
	return ipHash != "" && uaHash != ""
}

// IsDuplicate reports whether a marker exists for the tuple. Incomplete
// identities are never duplicates.
func (g *DedupeGate) IsDuplicate(ctx context.Context, token, ipHash, uaHash string) (bool, error) {
	if !CanDedupe(ipHash, uaHash) {
		return false, nil
	}
	_, ok, err := g.kv.Get(ctx, store.DedupeKey(token, ipHash, uaHash))
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return ok, nil
}

// Mark records the tuple for ttl. It is a no-op for incomplete identities.
func (g *DedupeGate) Mark(ctx context.Context, token, ipHash, uaHash string, ttl time.Duration) error {
	if !CanDedupe(ipHash, uaHash) {
		return nil
	}
	if err := g.kv.Put(ctx, store.DedupeKey(token, ipHash, uaHash), "1", ttl); err != nil {
		return fmt.Errorf("dedupe store: %w", err)
	}
	return nil
}
