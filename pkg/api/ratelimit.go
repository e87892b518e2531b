package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateStore decides whether a caller may proceed. Single-instance deployments
// use the in-process limiter; multi-instance ones share counters in Redis.
type RateStore interface {
	Allow(ctx context.Context, key string) bool
}

// LocalRateStore keeps per-key token buckets in process memory.
type LocalRateStore struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateStore creates an in-process rate store and starts background
// cleanup of idle entries.
func NewLocalRateStore(rps, burst int) *LocalRateStore {
	s := &LocalRateStore{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go s.cleanupVisitors()
	return s
}

// Allow reports whether the key's bucket has a token.
func (s *LocalRateStore) Allow(_ context.Context, key string) bool {
	s.mu.Lock()
	v, exists := s.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = time.Now()
	s.mu.Unlock()
	return v.limiter.Allow()
}

// cleanupVisitors drops entries idle for more than 3 minutes, checking every
// minute, to prevent unbounded growth.
func (s *LocalRateStore) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for key, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, key)
			}
		}
		s.mu.Unlock()
	}
}

// RedisRateStore shares a fixed-window counter per key across instances.
type RedisRateStore struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisRateStore creates a Redis-backed rate store allowing limit requests
// per window per key.
func NewRedisRateStore(addr string, limit int, window time.Duration) *RedisRateStore {
	return &RedisRateStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		limit:  int64(limit),
		window: window,
	}
}

// Allow increments the key's window counter and checks the limit. Redis
// being unreachable fails open: rate limiting is protection, not a gate.
func (s *RedisRateStore) Allow(ctx context.Context, key string) bool {
	redisKey := "ratelimit:" + key
	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		s.client.Expire(ctx, redisKey, s.window)
	}
	return count <= s.limit
}

// RateLimit enforces per-client limits using the injected store.
func RateLimit(store RateStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.Allow(r.Context(), clientIP(r)) {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
