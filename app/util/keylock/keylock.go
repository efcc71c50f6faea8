package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Map hands out one exclusive lock per key. Entries are dropped once no
// caller holds or waits on them.
type Map struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func New() *Map {
	return &Map{
		keys: make(map[string]*entry),
	}
}

// Lock blocks until key is free or ctx is done.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.release(key, e, false)
		return nil, err
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			m.release(key, e, true)
		})
	}, nil
}

func (m *Map) release(key string, e *entry, held bool) {
	if held {
		e.sem.Release(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 && m.keys[key] == e {
		delete(m.keys, key)
	}
}

func (m *Map) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.keys)
}
