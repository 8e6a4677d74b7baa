package session

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a sync session.
type State int

const (
	Idle State = iota
	Polling
	Syncing
	Completed
	Abandoned
)

var stateNames = [...]string{"idle", "polling", "syncing", "completed", "abandoned"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Active reports whether the state gates other actors out.
func (s State) Active() bool { return s == Polling || s == Syncing }

// Terminal reports whether the session has ended.
func (s State) Terminal() bool { return s == Completed || s == Abandoned }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind distinguishes the polling policies.
type Kind int

const (
	KindIntensive Kind = iota
	KindBackground
	KindOneShot
)

func (k Kind) String() string {
	switch k {
	case KindIntensive:
		return "intensive"
	case KindBackground:
		return "background"
	case KindOneShot:
		return "one_shot"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Policy describes how a session is driven. MaxAttempts of zero means
// unbounded.
type Policy struct {
	Kind        Kind          `json:"kind"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
}

// Intensive polls on a fixed interval for a bounded number of attempts.
func Intensive(maxAttempts int, interval time.Duration) Policy {
	return Policy{Kind: KindIntensive, MaxAttempts: maxAttempts, Interval: interval}
}

// Background sweeps on a slow interval without an attempt bound.
func Background(interval time.Duration) Policy {
	return Policy{Kind: KindBackground, Interval: interval}
}

// OneShot is a single immediate attempt, used by manual and event-seeded
// syncs.
func OneShot() Policy {
	return Policy{Kind: KindOneShot, MaxAttempts: 1}
}

// Exhausted reports whether attempts has reached the policy's budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
