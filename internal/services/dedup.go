package services

import (
	"log/slog"
	"sync"
	"time"

	"capproxy/internal/cache"
)

// dedupEvictFraction is the share of oldest entries dropped when the table is full.
const dedupEvictFraction = 0.10

// DedupService remembers event ids for a fixed window so the same logical
// event is forwarded at most once per window.
type DedupService struct {
	mu     sync.Mutex
	seen   *cache.Store[struct{}]
	logger *slog.Logger
	now    func() time.Time
}

func NewDedupService(ttl time.Duration, maxSize int, logger *slog.Logger) *DedupService {
	return &DedupService{
		seen:   cache.New[struct{}](ttl, maxSize),
		logger: logger,
		now:    time.Now,
	}
}

// IsDuplicate reports whether eventID was already seen within the window.
// A new id is registered as seen. The first-seen time is never refreshed.
// An empty id is always treated as a duplicate so it is never forwarded.
func (s *DedupService) IsDuplicate(eventID string) bool {
	if eventID == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if n := s.seen.Sweep(now); n > 0 {
		s.logger.Debug("Dedup: Swept expired ids", "count", n)
	}

	if s.seen.Contains(eventID) {
		return true
	}

	if s.seen.Full() {
		n := s.seen.EvictFraction(dedupEvictFraction)
		s.logger.Info("Dedup: Cache full, evicted oldest ids", "evicted", n, "capacity", s.seen.Capacity())
	}

	s.seen.Put(eventID, struct{}{}, now)
	return false
}

// Size returns the number of remembered ids.
func (s *DedupService) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen.Len()
}
