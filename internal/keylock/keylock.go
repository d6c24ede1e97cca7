// Package keylock provides non-blocking per-key mutual exclusion.
//
// A key is held by at most one caller at a time. TryLock never waits: a
// caller that finds the key busy skips its work instead of queueing behind
// the holder. Keys are released from the table when unlocked, so the set
// of tracked keys stays bounded by the number of in-flight operations.
package keylock

import "sync"

// Set is a set of held keys. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New returns an empty Set
func New() *Set {
	return &Set{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free. The returned unlock func releases it
// and is safe to call more than once.
func (s *Set) TryLock(key string) (unlock func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		s.held = make(map[string]struct{})
	}
	if _, busy := s.held[key]; busy {
		return nil, false
	}
	s.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

// Len returns the number of held keys
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}
