// Package keylock provides mutual exclusion per string key. Entries are
// reference counted and dropped once no holder or waiter remains.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func (s *Set) acquire(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]*entry)
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	return e
}

func (s *Set) release(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// Lock blocks until key is held and returns the unlock function.
func (s *Set) Lock(key string) func() {
	e := s.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.release(key, e)
	}
}

// TryLock takes key only if nobody holds it.
func (s *Set) TryLock(key string) (func(), bool) {
	e := s.acquire(key)
	if !e.mu.TryLock() {
		s.release(key, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		s.release(key, e)
	}, true
}

// Held reports how many keys currently have holders or waiters.
func (s *Set) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
