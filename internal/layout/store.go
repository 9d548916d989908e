package layout

import "sync"

// Store holds the single authoritative in-memory Layout. The lock is held
// only for the copy in or out, never across I/O.
type Store struct {
	mu      sync.RWMutex
	current Layout
}

// NewStore seeds a store with initial.
func NewStore(initial Layout) *Store {
	return &Store{current: initial.Clone()}
}

// Read returns a snapshot of the current layout.
func (s *Store) Read() Layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace swaps in a new layout wholesale.
func (s *Store) Replace(l Layout) {
	l = l.Clone()
	s.mu.Lock()
	s.current = l
	s.mu.Unlock()
}

// TileCount counts tiles in the current layout.
func (s *Store) TileCount() int {
	return s.Read().TileCount()
}
