package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeySemaphore caps concurrent holders per key. Semaphores are created
// lazily on first use; every key shares the same weight.
type KeySemaphore struct {
	maxInflight int64
	mu          sync.Mutex
	sems        map[string]*semaphore.Weighted
}

func NewKeySemaphore(maxInflight int) *KeySemaphore {
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &KeySemaphore{
		maxInflight: int64(maxInflight),
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for key is free or ctx is done. The
// returned release function must be called exactly once.
func (s *KeySemaphore) Acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(s.maxInflight)
		s.sems[key] = sem
	}
	s.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
