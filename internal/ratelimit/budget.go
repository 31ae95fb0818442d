// Package ratelimit provides the three primitives every outbound call
// goes through: a hard per-key request budget, a per-key in-flight
// semaphore, and a circuit breaker.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned by Consume once a key's budget is spent.
var ErrBudgetExceeded = errors.New("request budget exceeded")

// RequestBudget counts admissions per key against a hard ceiling. It is
// a lifetime cap for the process, not a refill rate.
type RequestBudget struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRequestBudget() *RequestBudget {
	return &RequestBudget{counts: make(map[string]int)}
}

// Consume admits one request under key if fewer than limit have been
// admitted, returning the remaining allowance. When the budget is spent
// it returns ErrBudgetExceeded and consumes nothing.
func (b *RequestBudget) Consume(key string, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.counts[key]
	if used >= limit {
		return 0, fmt.Errorf("%w: key=%s limit=%d", ErrBudgetExceeded, key, limit)
	}
	b.counts[key] = used + 1
	return limit - used - 1, nil
}

// Remaining reports the allowance left for key without consuming.
func (b *RequestBudget) Remaining(key string, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := limit - b.counts[key]
	if remaining < 0 {
		return 0
	}
	return remaining
}
