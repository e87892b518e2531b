package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// CachedResponse stores a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is the pluggable backend for response replay. The engine
// retries webhook deliveries on timeout; a repeated Idempotency-Key receives
// the cached response instead of re-running the handler.
type IdempotencyStore interface {
	Check(key string) (*CachedResponse, bool)
	Set(key string, statusCode int, body []byte)
}

// MemoryIdempotencyStore holds cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory store and starts background
// expiry.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
	}
	go s.cleanup()
	return s
}

func (s *MemoryIdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response if present and within TTL.
func (s *MemoryIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(key string, statusCode int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &CachedResponse{
		StatusCode: statusCode,
		Body:       body,
		CachedAt:   time.Now(),
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency replays cached responses for repeated Idempotency-Key headers
// on mutating requests. Requests without the header pass straight through.
func Idempotency(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Check(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(key, capture.statusCode, capture.body.Bytes())
			}
		})
	}
}
