package listener

import (
	"sync"
	"time"
)

// seenSet tracks processed event ids within a TTL window so re-delivered
// logs are dropped exactly once. Safe for concurrent use.
type seenSet struct {
	ids map[string]time.Time // eventID -> first seen time
	ttl time.Duration
	mu  sync.Mutex
}

func newSeenSet(ttl time.Duration) *seenSet {
	return &seenSet{
		ids: make(map[string]time.Time),
		ttl: ttl,
	}
}

// Add records the id and reports whether it was new. Expired entries are
// pruned opportunistically to bound memory.
func (s *seenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if ts, ok := s.ids[id]; ok && now.Sub(ts) < s.ttl {
		return false
	}

	if len(s.ids) > 0 && len(s.ids)%4096 == 0 {
		for k, ts := range s.ids {
			if now.Sub(ts) >= s.ttl {
				delete(s.ids, k)
			}
		}
	}

	s.ids[id] = now
	return true
}
