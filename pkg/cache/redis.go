package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// wireEntry is Entry's JSON envelope in Redis.
type wireEntry struct {
	Data     json.RawMessage `json:"data"`
	CachedAt int64           `json:"cached_at"`
}

// RedisStore is a Store backed by github.com/redis/go-redis/v9, for sharing
// the response cache across multiple BattleHealer processes in one
// deployment. Staleness is judged by the calling process's clock (CachedAt
// is stamped by Remember and compared in Recall), since ttlMs is enforced in
// Recall rather than via Redis's own key-expiry (entries past ttl for one caller may still be fresh enough for
// another caller using a shorter or longer ttl against the same key).
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	// retain keeps keys alive in Redis long enough to be read back by a
	// caller using a longer ttl than the one that wrote them; it is not
	// itself a staleness bound.
	retain time.Duration
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger, retain: 24 * time.Hour}
}

func (s *RedisStore) Remember(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	wire, err := json.Marshal(wireEntry{Data: raw, CachedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("cache: marshal envelope %q: %w", key, err)
	}
	if err := s.client.Set(ctx, cacheKey(key), wire, s.retain).Err(); err != nil {
		s.logger.ErrorContext(ctx, "cache remember failed", "key", key, "error", err)
		return fmt.Errorf("cache: remember %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Recall(ctx context.Context, key string, ttlMs int64) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: recall %q: %w", key, err)
	}

	var w wireEntry
	if err := json.Unmarshal(raw, &w); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	if ttlMs > 0 && time.Now().UnixMilli()-w.CachedAt > ttlMs {
		s.client.Del(ctx, cacheKey(key))
		return Entry{}, false, nil
	}

	var data any
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode payload %q: %w", key, err)
	}
	return Entry{Data: data, CachedAt: w.CachedAt}, true, nil
}

func cacheKey(key string) string {
	return "battlehealer:cache:" + strings.TrimPrefix(key, "battlehealer:cache:")
}
