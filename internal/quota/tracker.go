// Package quota enforces per-user daily usage limits for the coach.
//
// Each user has a rolling daily message counter and character counter.
// Exceeding either limit converts into a 24-hour block anchored at the
// violating message, independent of the calendar-day counter reset.
package quota

import (
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxMessagesPerDay is the number of messages a user may send
	// per local calendar day before being blocked.
	DefaultMaxMessagesPerDay = 10

	// DefaultMaxCharactersPerDay is the cumulative message length a user
	// may send per local calendar day before being blocked.
	DefaultMaxCharactersPerDay = 4000

	// DefaultMessageWarnThreshold is the remaining-message count at which
	// the single low-message warning fires.
	DefaultMessageWarnThreshold = 3

	// DefaultCharacterWarnThreshold is the remaining-character count at or
	// below which the low-character warning fires.
	DefaultCharacterWarnThreshold = 500

	// DefaultBlockDuration is how long a user stays blocked after
	// exceeding a limit, measured from the violating message.
	DefaultBlockDuration = 24 * time.Hour
)

// Outcome classifies the result of recording one message.
type Outcome int

const (
	// Ok means the message may be processed.
	Ok Outcome = iota
	// JustBlocked means this message crossed a limit; the user is now
	// blocked and the message must not be processed.
	JustBlocked
	// Blocked means the user was already blocked before this message;
	// nothing was counted.
	Blocked
)

// String returns a log-friendly label for the outcome.
func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case JustBlocked:
		return "just_blocked"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Decision is the result of Tracker.Record for a single message.
//
// MessageWarning and CharacterWarning are independent: the message warning
// fires exactly once per day, at the precise threshold count, while the
// character warning fires on every message once the threshold is crossed.
// Both may be set on the same decision; callers should emit two separate
// notices in that case.
type Decision struct {
	Outcome             Outcome
	RemainingMessages   int
	RemainingCharacters int
	MessageWarning      bool
	CharacterWarning    bool
	// BlockedUntil is set for Blocked and JustBlocked outcomes.
	BlockedUntil time.Time
}

// Config holds the tunable limits. Zero values fall back to the defaults.
type Config struct {
	MaxMessagesPerDay      int
	MaxCharactersPerDay    int
	MessageWarnThreshold   int
	CharacterWarnThreshold int
	BlockDuration          time.Duration
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerDay:      DefaultMaxMessagesPerDay,
		MaxCharactersPerDay:    DefaultMaxCharactersPerDay,
		MessageWarnThreshold:   DefaultMessageWarnThreshold,
		CharacterWarnThreshold: DefaultCharacterWarnThreshold,
		BlockDuration:          DefaultBlockDuration,
	}
}

// userState tracks one user's consumption within the current epoch.
type userState struct {
	messages     int
	characters   int
	blockedUntil time.Time
}

// Tracker owns the per-user daily counters and block timestamps.
//
// The epoch is a single process-wide value: the local calendar date of the
// last reset. When any call observes that the wall-clock date has advanced
// past it, ALL user entries (counters and blocks) are discarded at once.
// This is a hard cutover, not a sliding window.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	cfg   Config
	epoch string // local calendar date of the last reset (2006-01-02)
	users map[string]*userState
	now   func() time.Time
}

// NewTracker returns a Tracker with the given config. Zero config fields
// take the package defaults.
func NewTracker(cfg Config) *Tracker {
	return NewTrackerWithClock(cfg, time.Now)
}

// NewTrackerWithClock is like NewTracker but injects a clock, letting tests
// advance time without wall-clock sleeps.
func NewTrackerWithClock(cfg Config, now func() time.Time) *Tracker {
	def := DefaultConfig()
	if cfg.MaxMessagesPerDay <= 0 {
		cfg.MaxMessagesPerDay = def.MaxMessagesPerDay
	}
	if cfg.MaxCharactersPerDay <= 0 {
		cfg.MaxCharactersPerDay = def.MaxCharactersPerDay
	}
	if cfg.MessageWarnThreshold <= 0 {
		cfg.MessageWarnThreshold = def.MessageWarnThreshold
	}
	if cfg.CharacterWarnThreshold <= 0 {
		cfg.CharacterWarnThreshold = def.CharacterWarnThreshold
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	return &Tracker{
		cfg:   cfg,
		users: make(map[string]*userState),
		now:   now,
	}
}

// Record counts one message against userID's daily quota and returns the
// decision for it.
//
// Order of evaluation:
//  1. epoch rollover (global, clears every user)
//  2. active block check (no counting while blocked)
//  3. counter increments
//  4. limit check → 24h block from now
//  5. warnings
func (t *Tracker) Record(userID, messageText string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rolloverIfNeeded(now)

	u := t.users[userID]
	if u == nil {
		u = &userState{}
		t.users[userID] = u
	}

	if !u.blockedUntil.IsZero() && now.Before(u.blockedUntil) {
		return Decision{Outcome: Blocked, BlockedUntil: u.blockedUntil}
	}

	u.messages++
	u.characters += utf8.RuneCountInString(messageText)

	remMessages := t.cfg.MaxMessagesPerDay - u.messages
	remCharacters := t.cfg.MaxCharactersPerDay - u.characters

	if u.messages > t.cfg.MaxMessagesPerDay || u.characters > t.cfg.MaxCharactersPerDay {
		u.blockedUntil = now.Add(t.cfg.BlockDuration)
		return Decision{Outcome: JustBlocked, BlockedUntil: u.blockedUntil}
	}

	d := Decision{
		Outcome:             Ok,
		RemainingMessages:   remMessages,
		RemainingCharacters: remCharacters,
	}
	// Edge-triggered: fires only at the exact threshold count.
	if remMessages == t.cfg.MessageWarnThreshold {
		d.MessageWarning = true
	}
	// Level-triggered: fires on every message once the threshold is crossed.
	if remCharacters <= t.cfg.CharacterWarnThreshold {
		d.CharacterWarning = true
	}
	return d
}

// Remaining reports how many messages and characters userID may still send
// today. A blocked user reports zero for both.
func (t *Tracker) Remaining(userID string) (messages, characters int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rolloverIfNeeded(now)

	u := t.users[userID]
	if u == nil {
		return t.cfg.MaxMessagesPerDay, t.cfg.MaxCharactersPerDay
	}
	if !u.blockedUntil.IsZero() && now.Before(u.blockedUntil) {
		return 0, 0
	}
	messages = t.cfg.MaxMessagesPerDay - u.messages
	if messages < 0 {
		messages = 0
	}
	characters = t.cfg.MaxCharactersPerDay - u.characters
	if characters < 0 {
		characters = 0
	}
	return messages, characters
}

// rolloverIfNeeded discards every user entry when the local calendar date
// has advanced past the stored epoch. Must be called with t.mu held.
func (t *Tracker) rolloverIfNeeded(now time.Time) {
	day := now.Format(time.DateOnly)
	if day != t.epoch {
		t.users = make(map[string]*userState)
		t.epoch = day
	}
}
