// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLock serializes work per key. Slots are dropped once nobody holds or
// waits on them.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

func (l *keyedLock) acquireSlot(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{sem: semaphore.NewWeighted(1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *keyedLock) releaseSlot(key string, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock blocks until key is free or ctx is done.
func (l *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		l.releaseSlot(key, s)
		return nil, err
	}
	return l.unlocker(key, s), nil
}

// TryLock reports false instead of waiting.
func (l *keyedLock) TryLock(key string) (func(), bool) {
	s := l.acquireSlot(key)
	if !s.sem.TryAcquire(1) {
		l.releaseSlot(key, s)
		return nil, false
	}
	return l.unlocker(key, s), true
}

func (l *keyedLock) unlocker(key string, s *lockSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			l.releaseSlot(key, s)
		})
	}
}

func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *keyedLock) refs(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[key]; ok {
		return s.refs
	}
	return 0
}
