// Package keylock provides mutual exclusion keyed by string.
//
// Entries are reference counted and removed when the last holder or waiter
// releases them, so the map stays bounded by the number of keys in use
// rather than the number of keys ever seen.
package keylock

import "sync"

// Map is a set of mutexes indexed by key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is held and returns the function that releases it.
func (m *Map) Lock(key string) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()
	return m.releaser(key, e)
}

// TryLock takes key if it is free. ok is false when another holder has it;
// the caller must not wait.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	e := m.acquire(key)
	if !e.mu.TryLock() {
		m.drop(key, e)
		return nil, false
	}
	return m.releaser(key, e), true
}

// Held reports whether key is currently locked. Intended for tests and metrics.
func (m *Map) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) drop(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *Map) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.drop(key, e)
		})
	}
}

// Key joins parts into a lock key.
func Key(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, '|')
		}
		b = append(b, p...)
	}
	return string(b)
}
