package config

import "sync"

// Store guards the runtime settings. Readers take a copy through Snapshot so a
// run never observes a half-applied update.
type Store struct {
	mu       sync.RWMutex
	settings Settings
}

func NewStore(s Settings) *Store {
	return &Store{settings: s}
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update applies fn to a copy and commits it only when the result validates.
func (s *Store) Update(fn func(*Settings)) error {
	return s.Patch(func(next *Settings) error {
		fn(next)
		return nil
	})
}

// Patch is Update for edits that can fail, such as decoding a request body.
// Nothing is committed when fn or validation returns an error.
func (s *Store) Patch(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.settings = next
	return nil
}
