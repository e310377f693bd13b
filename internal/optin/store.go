// Package optin tracks which users want the daily savings tip.
//
// The preference is tri-state: unset (never answered), opted in, opted
// out. State is in-memory only and lost on restart, at which point users
// are simply asked again.
package optin

import "sync"

// Store holds the per-user opt-in preferences. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	prefs map[string]bool
}

// NewStore returns an empty preference store.
func NewStore() *Store {
	return &Store{prefs: make(map[string]bool)}
}

// Get returns the user's preference and whether one has been recorded.
func (s *Store) Get(userID string) (optedIn, answered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prefs[userID]
	return v, ok
}

// Set records the user's preference, overwriting any previous answer.
func (s *Store) Set(userID string, optedIn bool) {
	s.mu.Lock()
	s.prefs[userID] = optedIn
	s.mu.Unlock()
}

// OptedIn returns a snapshot of every user who answered yes.
func (s *Store) OptedIn() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for id, in := range s.prefs {
		if in {
			users = append(users, id)
		}
	}
	return users
}
