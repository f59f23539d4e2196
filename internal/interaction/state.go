// Package interaction defines the lifecycle state machine for a
// (user, opportunity) pairing.
package interaction

import (
	"fmt"
	"time"
)

// State is the current lifecycle stage of an interaction.
type State string

const (
	StateImpressed State = "impressed"
	StateViewed    State = "viewed"
	StateAccepted  State = "accepted"
	StateCompleted State = "completed"
	StateDismissed State = "dismissed"
	StateExpired   State = "expired"
)

// AcceptanceGracePeriod is how long an accepted but unredeemed claim stays
// valid past acceptance before lazy expiry reclaims it.
const AcceptanceGracePeriod = 72 * time.Hour

// DismissalCooldown is how long a dismissed opportunity stays hidden from
// the same user. Flat, independent of frequency tier.
const DismissalCooldown = 24 * time.Hour

var transitions = map[State][]State{
	StateImpressed: {StateViewed, StateAccepted, StateDismissed, StateExpired},
	StateViewed:    {StateAccepted, StateDismissed, StateExpired},
	StateAccepted:  {StateCompleted, StateExpired},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateImpressed, StateViewed, StateAccepted, StateCompleted, StateDismissed, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDismissed || s == StateExpired
}

// CanTransition reports whether from -> to is a legal state change.
// Same-state writes are allowed for impressed only: a re-impression
// refreshes the snapshot without regressing state.
func CanTransition(from, to State) bool {
	if from == StateImpressed && to == StateImpressed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid interaction transition %s -> %s", e.From, e.To)
}

// Transition validates from -> to, returning a TransitionError when the
// state machine forbids the change.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ShouldExpire reports whether an interaction in the given state has aged
// out and should be lazily flipped to expired on its next read. Impressed
// and viewed pairs expire with their opportunity's validity window;
// accepted pairs expire when the unused claim outlives the grace period.
func ShouldExpire(state State, validUntil time.Time, acceptedAt *time.Time, now time.Time) bool {
	switch state {
	case StateImpressed, StateViewed:
		return now.After(validUntil)
	case StateAccepted:
		return acceptedAt != nil && now.After(acceptedAt.Add(AcceptanceGracePeriod))
	}
	return false
}
