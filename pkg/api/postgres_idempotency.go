package api

import (
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// PostgresIdempotencyStore provides durable response replay backed by
// PostgreSQL, surviving process restarts in multi-instance deployments.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore connects to connURL and prepares the table.
func NewPostgresIdempotencyStore(connURL string, ttl time.Duration) (*PostgresIdempotencyStore, error) {
	db, err := sql.Open("postgres", connURL)
	if err != nil {
		return nil, err
	}
	s := &PostgresIdempotencyStore{db: db, ttl: ttl}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL,
			body BYTEA NOT NULL,
			cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, err
	}
	return s, nil
}

// Check returns a cached response if the key was seen before and is within TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	return &CachedResponse{StatusCode: statusCode, Body: body, CachedAt: cachedAt}, true
}

// Set stores an idempotency key and its response. Failures are logged, not
// surfaced: replay is protection, not correctness.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, body []byte) {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, body = $3, cached_at = NOW()`,
		key, statusCode, body)
	if err != nil {
		slog.Warn("idempotency: failed to set key", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE cached_at < $1`, time.Now().Add(-s.ttl))
}
