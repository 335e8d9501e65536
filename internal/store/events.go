package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/PratikDhanave/kanariya/internal/digest"
	"github.com/PratikDhanave/kanariya/internal/models"
)

// listBatch is the page size requested from the KV per List call.
const listBatch = 100

// EventStore persists hit events under event:{token}:{ts}:{rand}.
type EventStore struct {
	kv  KV
	ttl time.Duration
}

func NewEventStore(kv KV, ttl time.Duration) *EventStore {
	return &EventStore{kv: kv, ttl: ttl}
}

// Append writes ev with the store TTL and returns its key.
// The random suffix keeps events in the same millisecond apart.
func (s *EventStore) Append(ctx context.Context, ev models.HitEvent) (string, error) {
	suffix, err := digest.RandomHex(8)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	key := EventKey(ev.Token, ev.Timestamp, suffix)
	if err := s.kv.Put(ctx, key, string(b), s.ttl); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	return key, nil
}

// List returns at most maxItems events of token, oldest first.
// Keys are read in batches until maxItems or the end of the listing;
// entries that expire between listing and fetching are skipped. The
// prefix of token "abc" also covers token "abc:x", so events are kept
// only when their recorded token matches exactly.
func (s *EventStore) List(ctx context.Context, token string, maxItems int) ([]models.HitEvent, error) {
	if maxItems <= 0 {
		return []models.HitEvent{}, nil
	}

	prefix := EventPrefix(token)
	seen := make(map[string]struct{})
	events := make([]models.HitEvent, 0, min(maxItems, listBatch))
	cursor := ""
	for len(events) < maxItems {
		page, err := s.kv.List(ctx, prefix, cursor, listBatch)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, k := range page.Keys {
			if len(events) >= maxItems {
				break
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}

			ev, ok, err := s.get(ctx, k)
			if err != nil {
				return nil, err
			}
			if ok && ev.Token == token {
				events = append(events, ev)
			}
		}
		if cursor = page.Cursor; cursor == "" {
			break
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events, nil
}

func (s *EventStore) get(ctx context.Context, key string) (models.HitEvent, bool, error) {
	var ev models.HitEvent
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return ev, false, fmt.Errorf("get event %s: %w", key, err)
	}
	if !ok {
		return ev, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, false, fmt.Errorf("decode event %s: %w", key, err)
	}
	return ev, true, nil
}
