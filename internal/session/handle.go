package session

import "context"

// Handle is the owner's view of a session returned by Acquire. Once the
// session has been replaced or ended, state-changing calls report false.
type Handle struct {
	r *Registry
	e *entry
}

func (h *Handle) ID() string            { return h.e.s.ID }
func (h *Handle) Target() Target        { return h.e.s.Target }
func (h *Handle) Policy() Policy        { return h.e.s.Policy }
func (h *Handle) Done() <-chan struct{} { return h.e.ctx.Done() }

// Context is cancelled when the session reaches a terminal state or is
// replaced.
func (h *Handle) Context() context.Context { return h.e.ctx }

// Pushes delivers transcripts forwarded by Registry.Notify.
func (h *Handle) Pushes() <-chan Push { return h.e.pushes }

// Snapshot returns the current session state.
func (h *Handle) Snapshot() Session {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.e.s
}

// BeginAttempt records a fetch attempt and returns the new attempt count.
// It fails unless the session is the meeting's current one and is Polling.
func (h *Handle) BeginAttempt() (int, bool) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if !h.r.current(h.e) || h.e.s.State != Polling {
		return h.e.s.AttemptsMade, false
	}
	h.e.s.AttemptsMade++
	h.e.s.LastAttemptAt = h.r.clock.Now()
	return h.e.s.AttemptsMade, true
}

// BeginSync moves Polling to Syncing. A false result means the session was
// cancelled while the fetch was in flight and its result must be dropped.
func (h *Handle) BeginSync() bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if !h.r.current(h.e) || h.e.s.State != Polling {
		return false
	}
	h.e.s.State = Syncing
	return true
}

// Live reports whether the session is still the meeting's current one and
// Syncing. Work finished after it turns false must not be acted on.
func (h *Handle) Live() bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.current(h.e) && h.e.s.State == Syncing
}

// Complete ends the session successfully.
func (h *Handle) Complete(reason string) bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.finishLocked(h.e, Completed, reason)
}

// Abandon ends the session without a transcript.
func (h *Handle) Abandon(reason string) bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.finishLocked(h.e, Abandoned, reason)
}

// TakePushOrRelease hands back a push queued while the owner was busy and
// keeps the session Polling. With nothing queued it releases the session to
// Idle, after which Notify no longer queues for it.
func (h *Handle) TakePushOrRelease() (Push, bool) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if !h.r.current(h.e) || h.e.s.State.Terminal() {
		return Push{}, false
	}
	select {
	case p := <-h.e.pushes:
		return p, true
	default:
	}
	h.e.s.State = Idle
	return Push{}, false
}

// Release returns a live session to Idle.
func (h *Handle) Release() bool {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if !h.r.current(h.e) || h.e.s.State.Terminal() {
		return false
	}
	h.e.s.State = Idle
	return true
}
