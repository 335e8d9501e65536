package store

import (
	"context"
	"time"
)

// KV is the narrow view of the key-value store used by the ingestion path.
//
// Implementations may be eventually consistent: a Get issued right after a Put
// from another process is not guaranteed to observe it. Every consumer does
// check-then-act and accepts the resulting over-admission.
type KV interface {
	// Get returns the value for key and false when it is missing or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores value under key; the entry expires after ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// List returns up to limit keys starting with prefix, resuming from cursor.
	// An empty Cursor in the returned page means the listing is complete.
	List(ctx context.Context, prefix, cursor string, limit int) (Page, error)
}

// Page is one batch of a prefix listing.
type Page struct {
	Keys   []string
	Cursor string
}

// Backend is a KV with lifecycle hooks used by the server.
type Backend interface {
	KV
	Ping(ctx context.Context) error
	Close() error
}
