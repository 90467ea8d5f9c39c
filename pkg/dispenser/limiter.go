package dispenser

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterStore keeps one token bucket per key: a command action, a
// client address or a gRPC method.
type RateLimiterStore struct {
	limiters     map[string]*rate.Limiter
	mu           sync.Mutex
	defaultRate  rate.Limit
	defaultBurst int
}

func NewRateLimiterStore(defaultRate rate.Limit, defaultBurst int) *RateLimiterStore {
	return &RateLimiterStore{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
	}
}

func (s *RateLimiterStore) GetLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.defaultRate, s.defaultBurst)
		s.limiters[key] = limiter
	}
	return limiter
}

func (s *RateLimiterStore) SetLimiter(key string, r rate.Limit, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[key] = rate.NewLimiter(r, burst)
}

// Allow reports whether an event for key may happen now. A nil store allows
// everything.
func (s *RateLimiterStore) Allow(key string) bool {
	if s == nil {
		return true
	}
	return s.GetLimiter(key).Allow()
}
