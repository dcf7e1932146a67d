// Package memslot provides an in-memory single-slot store.
// Useful for tests and for processes that do not need reload recovery.
package memslot

import "sync"

// Slot is an in-memory errpipe.Store implementation.
type Slot struct {
	mu   sync.Mutex
	data []byte
}

// New creates an empty slot.
func New() *Slot {
	return &Slot{}
}

// Read returns the slot contents, nil when empty.
func (s *Slot) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

// Write replaces the slot contents.
func (s *Slot) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make([]byte, len(data))
	copy(s.data, data)
	return nil
}

// Clear empties the slot.
func (s *Slot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
