package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore keeps bucket state in this process only. It is the fallback
// for a single worker process and for tests. Least recently used sources
// are evicted once size is exceeded; an evicted bucket comes back full.
type MemoryStore struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucketState]
}

func NewMemoryStore(size int) (*MemoryStore, error) {
	cache, err := lru.New[string, *bucketState](size)
	if err != nil {
		return nil, err
	}

	return &MemoryStore{buckets: cache}, nil
}

func (s *MemoryStore) Take(_ context.Context, source string, b Bucket, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.buckets.Get(source)
	if !ok {
		st = &bucketState{tokens: b.Capacity, lastRefill: now}
		s.buckets.Add(source, st)
	}

	current := refill(st.tokens, st.lastRefill, now, b)
	if current < 1 {
		return untilToken(current, b), nil
	}

	st.tokens = current - 1
	if now.After(st.lastRefill) {
		st.lastRefill = now
	}

	return 0, nil
}
