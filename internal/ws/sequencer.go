package ws

import "sync"

// sequencer serializes work per key. Locks are reference counted and dropped
// when the last holder releases, so idle conversations cost nothing.
type sequencer struct {
	mu    sync.Mutex
	locks map[string]*seqLock
}

type seqLock struct {
	mu   sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{locks: make(map[string]*seqLock)}
}

// Lock blocks until key is free and returns the release function.
func (s *sequencer) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &seqLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
