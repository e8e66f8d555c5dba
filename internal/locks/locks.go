// Package locks provides per-key mutual exclusion for session mutations.
package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Keyed hands out one exclusive token per key. Holders of different keys
// never block each other. Entries are dropped once no caller holds or waits
// for them.
type Keyed struct {
	mu    sync.Mutex
	lanes map[int64]*lane
}

type lane struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed creates an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{lanes: make(map[int64]*lane)}
}

// Lock blocks until the token for key is held or ctx is done. The returned
// function releases the token and must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key int64) (func(), error) {
	k.mu.Lock()
	l, ok := k.lanes[key]
	if !ok {
		l = &lane{sem: semaphore.NewWeighted(1)}
		k.lanes[key] = l
	}
	l.refs++
	k.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		k.release(key, l, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, l, true) })
	}, nil
}

func (k *Keyed) release(key int64, l *lane, held bool) {
	if held {
		l.sem.Release(1)
	}
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.lanes, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.lanes)
}
