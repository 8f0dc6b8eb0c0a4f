package memory

import (
	"context"
	"sync"
)

// lockTable hands out exclusive, context-aware locks keyed by entity.
// A slot is a one-element channel; holding the lock means having filled it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*slot)}
}

// acquire blocks until key is free or ctx is done.
func (lt *lockTable) acquire(ctx context.Context, key string) error {
	lt.mu.Lock()
	s, ok := lt.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		lt.slots[key] = s
	}
	s.refs++
	lt.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		lt.drop(key, s)
		return ctx.Err()
	}
}

// release frees a key previously obtained with acquire.
func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	s := lt.slots[key]
	lt.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	lt.drop(key, s)
}

func (lt *lockTable) drop(key string, s *slot) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(lt.slots, key)
	}
}

// size reports how many keys are held or awaited.
func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.slots)
}
