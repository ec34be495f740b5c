package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// Config holds the mock backend's storage configuration.
type Config struct {
	Listen string

	DBHost, DBName, DBUser, DBPassword, DBSSLMode string
	DBPort                                        int

	RedisHost string
	RedisPort int
	RedisDB   int

	JWTSecret string
}

// Store wraps the mock backend's PostgreSQL (queued recoveries, event log)
// and Redis (issued-token registry) connections.
type Store struct {
	db     *sqlx.DB
	redis  *redis.Client
	logger *slog.Logger
}

// NewStore opens both connections and ensures the schema exists.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword, cfg.DBSSLMode)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("mockbackend: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("mockbackend: ping postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("mockbackend: ping redis: %w", err)
	}

	s := &Store{db: db, redis: rdb, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS queued_recoveries (
	id SERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	region TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	body JSONB,
	error_message TEXT,
	error_status INT,
	retry_count INT,
	queued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
	id SERIAL PRIMARY KEY,
	event TEXT NOT NULL,
	metadata JSONB,
	logged_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_rotations (
	id SERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	previous_token TEXT,
	issued_token TEXT NOT NULL,
	rotated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return fmt.Errorf("mockbackend: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.redis.Close(); err != nil {
		s.logger.Warn("redis close failed", "error", err)
	}
	return s.db.Close()
}

// InsertQueuedRecovery persists one queue-failed envelope.
func (s *Store) InsertQueuedRecovery(ctx context.Context, q QueueEnvelope) error {
	body, _ := json.Marshal(q.Body)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queued_recoveries (request_id, correlation_id, endpoint, region, method, url, body, error_message, error_status, retry_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.RequestID, q.CorrelationID, q.Endpoint, q.Region, q.Method, q.URL, body, q.ErrorMessage, q.ErrorStatus, q.RetryCount)
	if err != nil {
		return fmt.Errorf("mockbackend: insert queued recovery: %w", err)
	}
	return nil
}

// InsertEvent persists one /log event.
func (s *Store) InsertEvent(ctx context.Context, event string, metadata map[string]any) error {
	meta, _ := json.Marshal(metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (event, metadata) VALUES ($1,$2)`, event, meta)
	if err != nil {
		return fmt.Errorf("mockbackend: insert event: %w", err)
	}
	return nil
}

// EnsureUser looks up userID's stored credential hash, creating a demo
// record with a freshly-hashed password on first sight. Mirrors the
// teacher's practice of hashing credentials with bcrypt before persistence;
// this reference backend never receives a real password, only a user id, so
// it hashes the user id itself to keep the dependency meaningfully exercised.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id=$1)`, userID); err != nil {
		return fmt.Errorf("mockbackend: lookup user: %w", err)
	}
	if exists {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(userID), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("mockbackend: hash credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (user_id, password_hash) VALUES ($1,$2) ON CONFLICT (user_id) DO NOTHING`, userID, string(hash))
	if err != nil {
		return fmt.Errorf("mockbackend: insert user: %w", err)
	}
	return nil
}

// RecordRotation appends one row to the token rotation history.
func (s *Store) RecordRotation(ctx context.Context, userID, previousToken, issuedToken string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO token_rotations (user_id, previous_token, issued_token) VALUES ($1,$2,$3)`,
		userID, previousToken, issuedToken)
	if err != nil {
		return fmt.Errorf("mockbackend: record rotation: %w", err)
	}
	return nil
}

// MockLookup returns a canned payload for schemaHint from the Redis mock
// cache, if one was seeded.
func (s *Store) MockLookup(ctx context.Context, schemaHint string) (json.RawMessage, bool) {
	v, err := s.redis.Get(ctx, "mockbackend:mock:"+schemaHint).Bytes()
	if err != nil {
		return nil, false
	}
	return json.RawMessage(v), true
}

// MockSeed stores payload as the canned response for schemaHint.
func (s *Store) MockSeed(ctx context.Context, schemaHint string, payload json.RawMessage) error {
	return s.redis.Set(ctx, "mockbackend:mock:"+schemaHint, []byte(payload), 0).Err()
}

// RememberToken records an issued token in Redis, keyed by the token
// itself, so RefreshToken can validate previous_token without a database
// round trip.
func (s *Store) RememberToken(ctx context.Context, token, userID string) error {
	return s.redis.Set(ctx, "mockbackend:token:"+token, userID, 24*time.Hour).Err()
}

// LookupToken returns the user id a token was issued for, if still known.
func (s *Store) LookupToken(ctx context.Context, token string) (string, bool) {
	v, err := s.redis.Get(ctx, "mockbackend:token:"+token).Result()
	if err != nil {
		return "", false
	}
	return v, true
}
