// Package goals stores per-user savings goals.
//
// Each user has at most one goal: a description, a target amount, and the
// amount saved so far. State is in-memory only; a restart loses it.
package goals

import (
	"errors"
	"math"
	"strings"
	"sync"
)

// ErrNoGoal is returned when an operation requires an existing goal and the
// user has none. Callers should use errors.Is to distinguish this expected
// case from real errors.
var ErrNoGoal = errors.New("no savings goal set")

// ErrInvalidFormat is returned when goal input fails validation (empty
// description, non-positive or non-finite amounts).
var ErrInvalidFormat = errors.New("invalid goal format")

// Goal is one user's savings goal.
type Goal struct {
	UserID      string
	Description string
	Target      float64
	Saved       float64
}

// Percent returns how far along the goal is, as saved/target*100.
// A zero target yields 0 rather than dividing by zero.
func (g Goal) Percent() float64 {
	if g.Target == 0 {
		return 0
	}
	return g.Saved / g.Target * 100
}

// Store holds the savings goals for all users. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	goals map[string]Goal
}

// NewStore returns an empty goal store.
func NewStore() *Store {
	return &Store{goals: make(map[string]Goal)}
}

// Set creates or overwrites the user's goal, resetting the saved amount to
// zero. The description must be non-empty and the target a positive finite
// number, otherwise ErrInvalidFormat is returned.
func (s *Store) Set(userID, description string, target float64) (Goal, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Goal{}, ErrInvalidFormat
	}
	if target <= 0 || math.IsInf(target, 0) || math.IsNaN(target) {
		return Goal{}, ErrInvalidFormat
	}

	g := Goal{UserID: userID, Description: description, Target: target}

	s.mu.Lock()
	s.goals[userID] = g
	s.mu.Unlock()
	return g, nil
}

// UpdateSaved sets the saved amount to the given absolute value (not an
// increment) and returns the updated goal. Returns ErrNoGoal when the user
// has no goal, ErrInvalidFormat when the amount is negative or not finite.
func (s *Store) UpdateSaved(userID string, amount float64) (Goal, error) {
	if amount < 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return Goal{}, ErrInvalidFormat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[userID]
	if !ok {
		return Goal{}, ErrNoGoal
	}
	g.Saved = amount
	s.goals[userID] = g
	return g, nil
}

// View returns the user's goal, or ErrNoGoal when none exists.
func (s *Store) View(userID string) (Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.goals[userID]
	if !ok {
		return Goal{}, ErrNoGoal
	}
	return g, nil
}

// Delete removes the user's goal, or returns ErrNoGoal when none exists.
func (s *Store) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.goals[userID]; !ok {
		return ErrNoGoal
	}
	delete(s.goals, userID)
	return nil
}
