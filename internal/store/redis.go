package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements Backend on Redis. TTLs map to native key expiry and
// listing uses SCAN, so pages are unordered and may repeat keys.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV creates a client for addr. The connection is established lazily.
func NewRedisKV(addr, password string, db int) *RedisKV {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisKV{client: rdb}
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (s *RedisKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// List runs one SCAN step. limit is passed as the COUNT hint.
func (s *RedisKV) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	var cur uint64
	if cursor != "" {
		c, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("redis scan: bad cursor %q", cursor)
		}
		cur = c
	}

	keys, next, err := s.client.Scan(ctx, cur, globEscape(prefix)+"*", int64(limit)).Result()
	if err != nil {
		return Page{}, fmt.Errorf("redis scan: %w", err)
	}

	page := Page{Keys: keys}
	if next != 0 {
		page.Cursor = strconv.FormatUint(next, 10)
	}
	return page, nil
}

func (s *RedisKV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisKV) Close() error {
	return s.client.Close()
}

// globEscape quotes the MATCH metacharacters so tokens match literally.
func globEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
