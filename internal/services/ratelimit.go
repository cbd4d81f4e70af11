package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimitWindow is the sliding window length.
const RateLimitWindow = 60 * time.Second

// IPRateLimiter allows at most limit requests per key within a sliding window.
type IPRateLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	order   []string
	limit   int
	maxKeys int
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewIPRateLimiter(limit, maxKeys int, logger *slog.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		hits:    make(map[string][]time.Time),
		limit:   limit,
		maxKeys: maxKeys,
		window:  RateLimitWindow,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit returns the number of requests allowed per window.
func (i *IPRateLimiter) Limit() int { return i.limit }

// Allow records a request for key and reports whether it is within the limit.
// A denied request leaves the table untouched.
func (i *IPRateLimiter) Allow(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	stamps, exists := i.hits[key]
	recent := pruneWindow(stamps, now, i.window)
	if len(recent) >= i.limit {
		return false
	}

	if !exists {
		if i.maxKeys > 0 && len(i.hits) >= i.maxKeys {
			i.evictOldestKey()
		}
		i.order = append(i.order, key)
	}
	i.hits[key] = append(recent, now)
	return true
}

// StartCleanup periodically drops keys with no requests left in the window
// until ctx is cancelled.
func (i *IPRateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := i.cleanup(); n > 0 {
					i.logger.Info("Rate limiter: Cleaned up idle keys", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (i *IPRateLimiter) cleanup() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	kept := i.order[:0]
	removed := 0
	for _, key := range i.order {
		if recent := pruneWindow(i.hits[key], now, i.window); len(recent) > 0 {
			i.hits[key] = recent
			kept = append(kept, key)
			continue
		}
		delete(i.hits, key)
		removed++
	}
	i.order = kept
	return removed
}

func (i *IPRateLimiter) evictOldestKey() {
	if len(i.order) == 0 {
		return
	}
	oldest := i.order[0]
	i.order = i.order[1:]
	delete(i.hits, oldest)
	i.logger.Debug("Rate limiter: Table full, evicted key", "key", oldest)
}

// pruneWindow returns the timestamps newer than now-window. The result
// never aliases stamps, so a denied caller can discard it.
func pruneWindow(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := make([]time.Time, 0, len(stamps)+1)
	for _, ts := range stamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
