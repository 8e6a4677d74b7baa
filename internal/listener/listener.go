// Package listener reacts to change notifications: pushed transcripts
// short-circuit polling, and deletes cancel sessions.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/pipeline"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// Deliverer finishes a session from a push. Implemented by pipeline.Runner.
type Deliverer interface {
	Deliver(ctx context.Context, h *session.Handle, p session.Push) pipeline.Result
	Yield(ctx context.Context, h *session.Handle, res pipeline.Result) pipeline.Result
}

// MeetingLookup resolves meetings referenced by events. Implemented by
// storage.Store.
type MeetingLookup interface {
	GetMeeting(id string) (storage.Meeting, error)
}

// Listener subscribes to the bus and dispatches each event on its own
// goroutine.
type Listener struct {
	bus      bus.Bus
	reg      *session.Registry
	runner   Deliverer
	meetings MeetingLookup
	logger   *slog.Logger

	// ctx is the service context handed to dispatched work; events arrive
	// on the bus's context which may be shorter lived.
	ctx context.Context

	mu   sync.Mutex
	subs map[string]bus.Subscription
	wg   sync.WaitGroup
}

// New creates a Listener. ctx bounds the work started for events.
func New(ctx context.Context, b bus.Bus, reg *session.Registry, runner Deliverer, meetings MeetingLookup) *Listener {
	return &Listener{
		bus:      b,
		reg:      reg,
		runner:   runner,
		meetings: meetings,
		logger:   slog.Default(),
		ctx:      ctx,
		subs:     make(map[string]bus.Subscription),
	}
}

// Watch subscribes to an account's events, or every account with
// bus.AllAccounts. Watching an account twice is a no-op.
func (l *Listener) Watch(accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[accountID]; ok {
		return nil
	}
	sub, err := l.bus.Subscribe(accountID, func(_ context.Context, ev bus.Event) {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Handle(l.ctx, ev)
		}()
	})
	if err != nil {
		return err
	}
	l.subs[accountID] = sub
	return nil
}

// Unwatch drops an account subscription.
func (l *Listener) Unwatch(accountID string) error {
	l.mu.Lock()
	sub, ok := l.subs[accountID]
	delete(l.subs, accountID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Wait blocks until every dispatched event has been handled.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// Close unsubscribes everything and waits for in-flight handlers.
func (l *Listener) Close() error {
	l.mu.Lock()
	var errs []error
	for id, sub := range l.subs {
		errs = append(errs, sub.Unsubscribe())
		delete(l.subs, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return errors.Join(errs...)
}

// Handle processes one event synchronously.
func (l *Listener) Handle(ctx context.Context, ev bus.Event) {
	if ev.Source == bus.SourceSelf {
		return
	}
	switch {
	case ev.Table == bus.TableTranscripts && ev.Op == bus.OpInsert:
		l.handleTranscript(ctx, ev)
	case ev.Table == bus.TableMeetings && ev.Op == bus.OpDelete:
		if l.reg.Cancel(ev.MeetingID, "meeting deleted") {
			l.logger.Info("sync cancelled", "meeting_id", ev.MeetingID, "reason", "meeting deleted")
		}
	case ev.Table == bus.TableDeals && ev.Op == bus.OpDelete:
		if n := l.reg.CancelDeal(ev.DealID, "deal deleted"); n > 0 {
			l.logger.Info("sync cancelled", "deal_id", ev.DealID, "sessions", n, "reason", "deal deleted")
		}
	}
}

func (l *Listener) handleTranscript(ctx context.Context, ev bus.Event) {
	meetingID := ev.MeetingID
	if meetingID == "" && ev.Transcript != nil {
		meetingID = ev.Transcript.MeetingID
	}
	if meetingID == "" {
		l.logger.Warn("transcript event without meeting", "event_id", ev.ID)
		return
	}

	if s, ok := l.reg.Get(meetingID); ok && s.State == session.Completed {
		return
	}

	push := session.Push{Transcript: ev.Transcript}
	if l.reg.Notify(meetingID, push) {
		l.logger.Debug("transcript pushed to polling session", "meeting_id", meetingID)
		return
	}

	t, err := l.target(meetingID, ev)
	if err != nil {
		l.logger.Warn("ignoring transcript event", "meeting_id", meetingID, "error", err)
		return
	}
	h, err := l.reg.Acquire(t, session.OneShot())
	if errors.Is(err, session.ErrAlreadyActive) {
		l.logger.Debug("sync already active, dropping event", "meeting_id", meetingID)
		return
	}
	if err != nil {
		l.logger.Error("acquiring session for event", "meeting_id", meetingID, "error", err)
		return
	}

	res := l.runner.Yield(ctx, h, l.runner.Deliver(ctx, h, push))
	l.logger.Info("transcript event handled", "meeting_id", meetingID, "outcome", res.Outcome.String())
}

// target resolves the meeting's deal and account from the store, which is
// authoritative over event fields.
func (l *Listener) target(meetingID string, ev bus.Event) (session.Target, error) {
	m, err := l.meetings.GetMeeting(meetingID)
	if err != nil {
		return session.Target{}, err
	}
	if m.SyncStatus == storage.MeetingUnavailable && ev.Transcript == nil {
		return session.Target{}, errors.New("meeting marked unavailable")
	}
	return session.Target{MeetingID: m.ID, DealID: m.DealID, AccountID: m.AccountID}, nil
}
