// Package dedupe tracks which submissions are in flight so that each one is
// queued and processed by at most one worker at a time.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxSize = 50000

// Tracker is the in-flight claim set.
type Tracker interface {
	// Claim marks id as in flight. It fails with ErrInFlight when id is
	// already claimed and with ErrFull when the set is at capacity.
	Claim(ctx context.Context, id string) error

	// Release drops the claim on id so it can be queued again.
	Release(ctx context.Context, id string)

	// InFlight reports whether id is currently claimed.
	InFlight(ctx context.Context, id string) bool

	Size() int64
}

// inMemoryTracker keeps claims in a map. Claims are never evicted: dropping
// one would let a second worker pick up the same submission.
type inMemoryTracker struct {
	mu      sync.RWMutex
	claims  map[string]time.Time
	maxSize int // 0 or negative = unbounded
	size    atomic.Int64
}

// NewInMemoryTracker creates a claim set with configuration options.
func NewInMemoryTracker(opts ...Option) Tracker {
	t := &inMemoryTracker{
		maxSize: defaultMaxSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.claims = make(map[string]time.Time)
	return t
}

func (t *inMemoryTracker) Claim(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.claims[id]; exists {
		return ErrInFlight
	}
	if t.maxSize > 0 && len(t.claims) >= t.maxSize {
		return ErrFull
	}
	t.claims[id] = time.Now()
	t.size.Add(1)
	return nil
}

func (t *inMemoryTracker) Release(_ context.Context, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.claims[id]; exists {
		delete(t.claims, id)
		t.size.Add(-1)
	}
}

func (t *inMemoryTracker) InFlight(_ context.Context, id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.claims[id]
	return exists
}

// Size returns the number of claimed ids.
func (t *inMemoryTracker) Size() int64 {
	return t.size.Load()
}
