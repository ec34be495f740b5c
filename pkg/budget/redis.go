package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript implements the same reset-or-increment rule as MemoryStore
// atomically: KEYS[1] is the counter, ARGV[1] the window in milliseconds,
// ARGV[2] the limit. It returns 1 when the call is allowed, 0 when denied.
// Running it as a single EVAL is what gives Consume its linearizability
// guarantee across multiple Transport/Toolkit instances sharing one Redis.
const consumeScript = `
local count = redis.call("GET", KEYS[1])
if count == false then
  redis.call("SET", KEYS[1], 1, "PX", ARGV[1])
  return 1
end
count = tonumber(count)
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call("INCR", KEYS[1])
return 1
`

// RedisStore is a Store backed by a shared github.com/redis/go-redis/v9
// client, for deployments that run more than one BattleHealer process
// against the same retry-budget or repair-window keys. It does not persist
// budget state across a Redis restart any more than the in-process variant
// persists across a process restart — both are scoped to a single running
// deployment, per the module's Non-goals.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	script *redis.Script
}

// NewRedisStore wraps an existing *redis.Client. The caller owns the
// client's lifecycle (construction, Ping, Close).
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger, script: redis.NewScript(consumeScript)}
}

func (s *RedisStore) Consume(ctx context.Context, key string, limit int, windowMs int64) (bool, error) {
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	res, err := s.script.Run(ctx, s.client, []string{budgetKey(key)}, windowMs, limit).Int()
	if err != nil {
		s.logger.ErrorContext(ctx, "budget consume failed", "key", key, "error", err)
		return false, fmt.Errorf("budget: consume %q: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Remaining(ctx context.Context, key string, limit int, windowMs int64) (int, error) {
	val, err := s.client.Get(ctx, budgetKey(key)).Result()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("budget: remaining %q: %w", key, err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("budget: remaining %q: non-numeric counter %q", key, val)
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func budgetKey(key string) string {
	return "battlehealer:budget:" + strings.TrimPrefix(key, "battlehealer:budget:")
}

// pingTimeout is a bound for the initial connectivity check callers
// typically run immediately after NewRedisStore. It is unexported;
// cmd/battlehealer and cmd/mockbackend each use their own 5s timeout.
const pingTimeout = 5 * time.Second
