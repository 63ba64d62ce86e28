// Package keylock provides an arena of per-key mutexes that honour context
// cancellation while waiting.
package keylock

import (
	"context"
	"sync"
)

// Arena hands out one lock per key. Slots are created on first use and
// dropped when no holder or waiter remains.
type Arena[K comparable] struct {
	mu    sync.Mutex
	slots map[K]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// New returns an empty arena.
func New[K comparable]() *Arena[K] {
	return &Arena[K]{slots: make(map[K]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (a *Arena[K]) Lock(ctx context.Context, key K) (func(), error) {
	a.mu.Lock()
	s, ok := a.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		a.slots[key] = s
	}
	s.refs++
	a.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		a.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			a.drop(key, s)
		})
	}, nil
}

// Len returns the number of live slots.
func (a *Arena[K]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func (a *Arena[K]) drop(key K, s *slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(a.slots, key)
	}
}
