package session

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/kalambet/dealsync/internal/storage"
)

// ErrAlreadyActive is returned by Acquire when a session for the same
// meeting is Polling or Syncing.
var ErrAlreadyActive = errors.New("sync already active for meeting")

// Target identifies what a session synchronizes. A meeting belongs to exactly
// one deal and a deal to exactly one account.
type Target struct {
	MeetingID string `json:"meeting_id"`
	DealID    string `json:"deal_id"`
	AccountID string `json:"account_id"`
}

// Push carries a transcript announced by the change-notification bus. A nil
// Transcript means the provider only signalled readiness.
type Push struct {
	Transcript *storage.Transcript
}

// Session is a point-in-time snapshot of a sync session.
type Session struct {
	ID            string    `json:"id"`
	Target        Target    `json:"target"`
	Policy        Policy    `json:"policy"`
	State         State     `json:"state"`
	AttemptsMade  int       `json:"attempts_made"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	EndedAt       time.Time `json:"ended_at,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

type entry struct {
	s      Session
	ctx    context.Context
	cancel context.CancelFunc
	pushes chan Push
}

// Registry is the in-memory table of sync sessions keyed by meeting ID. All
// state transitions happen under one mutex.
type Registry struct {
	clock clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*entry
	entropy  io.Reader
}

// NewRegistry creates an empty Registry. A nil clock uses the wall clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:    clock,
		sessions: make(map[string]*entry),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Acquire opens a Polling session for the target. It fails with
// ErrAlreadyActive while another session for the meeting is Polling or
// Syncing. An Idle session under the same policy is resumed with its attempt
// count intact; any other existing session is replaced.
func (r *Registry) Acquire(t Target, p Policy) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[t.MeetingID]; ok {
		switch {
		case e.s.State.Active():
			return nil, ErrAlreadyActive
		case e.s.State == Idle && e.s.Policy == p:
			e.s.State = Polling
			return &Handle{r: r, e: e}, nil
		case e.s.State == Idle:
			r.finishLocked(e, Abandoned, "superseded")
		}
	}

	now := r.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		s: Session{
			ID:        ulid.MustNew(ulid.Timestamp(now), r.entropy).String(),
			Target:    t,
			Policy:    p,
			State:     Polling,
			CreatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
		pushes: make(chan Push, 1),
	}
	r.sessions[t.MeetingID] = e
	return &Handle{r: r, e: e}, nil
}

// Get returns a snapshot of the meeting's current session.
func (r *Registry) Get(meetingID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[meetingID]
	if !ok {
		return Session{}, false
	}
	return e.s, true
}

// Release moves a non-terminal session back to Idle so another actor may
// acquire it.
func (r *Registry) Release(meetingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[meetingID]
	if !ok || e.s.State.Terminal() {
		return false
	}
	e.s.State = Idle
	return true
}

// Cancel abandons the meeting's session unless it already ended.
func (r *Registry) Cancel(meetingID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[meetingID]
	if !ok {
		return false
	}
	return r.finishLocked(e, Abandoned, reason)
}

// CancelDeal abandons every live session that belongs to the deal and
// returns how many were cancelled.
func (r *Registry) CancelDeal(dealID, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sessions {
		if e.s.Target.DealID == dealID && r.finishLocked(e, Abandoned, reason) {
			n++
		}
	}
	return n
}

// Notify queues a pushed transcript on the meeting's Polling session. The
// owner takes it from Pushes or from TakePushOrRelease. It reports false
// when no session is Polling, in which case the caller should acquire a
// session of its own.
func (r *Registry) Notify(meetingID string, p Push) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[meetingID]
	if !ok || e.s.State != Polling {
		return false
	}
	select {
	case e.pushes <- p:
	default:
		// A push is already queued; the loop will deliver it.
	}
	return true
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune forgets terminal sessions that ended more than olderThan ago.
func (r *Registry) Prune(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-olderThan)
	n := 0
	for id, e := range r.sessions {
		if e.s.State.Terminal() && !e.s.EndedAt.After(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry) finishLocked(e *entry, state State, reason string) bool {
	if e.s.State.Terminal() {
		return false
	}
	e.s.State = state
	e.s.Reason = reason
	e.s.EndedAt = r.clock.Now()
	e.cancel()
	return true
}

// current reports whether e is still the registered session for its meeting.
func (r *Registry) current(e *entry) bool {
	return r.sessions[e.s.Target.MeetingID] == e
}
