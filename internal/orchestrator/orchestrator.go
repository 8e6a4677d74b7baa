// Package orchestrator is the entry point to transcript synchronization:
// intensive sync after a meeting, background coverage per account and
// manual sync-now.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/pipeline"
	"github.com/kalambet/dealsync/internal/poller"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// ErrNotPending is returned by StartIntensive for meetings that already have
// a transcript or were marked unavailable.
var ErrNotPending = errors.New("meeting is not pending")

// Store is the persistence the orchestrator needs. Implemented by
// storage.Store.
type Store interface {
	GetMeeting(id string) (storage.Meeting, error)
	GetDeal(id string) (storage.Deal, error)
	GetMomentum(dealID string) (storage.Momentum, error)
	AccountsWithPendingMeetings() ([]string, error)
	RecordStageChange(dealID, toStage string, at time.Time) error
	DeleteMeeting(id string) error
	DeleteDeal(id string) error
}

// Runner executes one attempt. Implemented by pipeline.Runner.
type Runner interface {
	Attempt(ctx context.Context, h *session.Handle) pipeline.Result
	Yield(ctx context.Context, h *session.Handle, res pipeline.Result) pipeline.Result
}

// Reanalyzer re-runs analysis over a stored transcript. Implemented by
// analysis.Cascade.
type Reanalyzer interface {
	Reanalyze(ctx context.Context, meetingID string) (storage.Analysis, error)
}

// Trigger schedules momentum recomputation.
type Trigger interface {
	Trigger(ctx context.Context, dealID string) error
}

// Watcher subscribes the event listener to an account.
type Watcher interface {
	Watch(accountID string) error
	Close() error
}

// Deps wires an Orchestrator.
type Deps struct {
	Registry   *session.Registry
	Scheduler  *poller.Scheduler
	Runner     Runner
	Store      Store
	Reanalyzer Reanalyzer
	Momentum   Trigger
	Listener   Watcher
	Bus        bus.Bus
	Clock      clockwork.Clock

	// PruneAfter is how long ended sessions stay visible. Zero means 1h.
	PruneAfter time.Duration
}

// ManualResult is the answer to a user-initiated sync.
type ManualResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
}

// Orchestrator composes the registry, scheduler, runner and listener.
type Orchestrator struct {
	d      Deps
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	done   chan struct{}
}

// New creates an Orchestrator. ctx is the service context: every polling
// loop and provider call started through the orchestrator is bounded by it
// rather than by the caller's request.
func New(ctx context.Context, d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.PruneAfter <= 0 {
		d.PruneAfter = time.Hour
	}
	ctx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{d: d, ctx: ctx, cancel: cancel, logger: slog.Default(), done: make(chan struct{})}

	d.Scheduler.OnExhausted = func(_ context.Context, t session.Target) {
		if _, err := o.EnsureBackgroundCoverage(o.ctx, t.AccountID); err != nil {
			o.logger.Error("falling back to background coverage", "account_id", t.AccountID, "error", err)
		}
	}
	go o.janitor()
	return o
}

// StartIntensive opens an intensive session for a meeting that just ended
// (or is about to) and starts polling it.
func (o *Orchestrator) StartIntensive(_ context.Context, meetingID string) error {
	m, err := o.d.Store.GetMeeting(meetingID)
	if err != nil {
		return fmt.Errorf("loading meeting %s: %w", meetingID, err)
	}
	if m.SyncStatus != storage.MeetingPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, meetingID, m.SyncStatus)
	}

	o.watch(m.AccountID)
	h, err := o.d.Registry.Acquire(targetOf(m), o.d.Scheduler.IntensivePolicy())
	if err != nil {
		return err
	}
	o.d.Scheduler.StartIntensive(o.ctx, h)
	return nil
}

// EnsureBackgroundCoverage makes sure an account has a background loop and
// that its events are being listened to. started is false when coverage
// already existed.
func (o *Orchestrator) EnsureBackgroundCoverage(_ context.Context, accountID string) (bool, error) {
	if accountID == "" {
		return false, errors.New("account id is required")
	}
	if err := o.ctx.Err(); err != nil {
		return false, fmt.Errorf("orchestrator stopped: %w", err)
	}
	o.watch(accountID)
	started := o.d.Scheduler.EnsureBackground(o.ctx, accountID)
	if started {
		o.logger.Info("background coverage ensured", "account_id", accountID)
	}
	return started, nil
}

// ManualSyncNow tries once, inline. It never waits behind an active sync:
// when one is in flight the result is immediate and the provider is not
// called.
func (o *Orchestrator) ManualSyncNow(ctx context.Context, meetingID string) ManualResult {
	m, err := o.d.Store.GetMeeting(meetingID)
	if errors.Is(err, storage.ErrNotFound) {
		return ManualResult{Reason: "meeting not found"}
	}
	if err != nil {
		o.logger.Error("manual sync lookup", "meeting_id", meetingID, "error", err)
		return ManualResult{Reason: "could not load meeting"}
	}

	h, err := o.d.Registry.Acquire(targetOf(m), session.OneShot())
	if errors.Is(err, session.ErrAlreadyActive) {
		return ManualResult{Reason: "sync already in progress"}
	}
	if err != nil {
		return ManualResult{Reason: err.Error()}
	}

	res := o.d.Runner.Yield(o.ctx, h, o.d.Runner.Attempt(o.ctx, h))
	o.logger.Info("manual sync", "meeting_id", meetingID, "outcome", res.Outcome.String())
	switch res.Outcome {
	case pipeline.Synced:
		return ManualResult{Success: true, Reason: "transcript synced and analyzed"}
	case pipeline.AlreadySynced:
		return ManualResult{Success: true, Reason: "transcript already synced"}
	case pipeline.AnalysisFailed:
		return ManualResult{Reason: "transcript saved but analysis failed"}
	case pipeline.NotReady:
		return ManualResult{Reason: "transcript not ready yet"}
	case pipeline.Failed:
		return ManualResult{Reason: "provider error: " + errString(res.Err)}
	case pipeline.Abandoned:
		return ManualResult{Reason: "transcript unavailable: " + errString(res.Err)}
	default:
		return ManualResult{Reason: "sync cancelled"}
	}
}

// Resume rebuilds coverage after a restart: every account that still has
// meetings waiting for a transcript gets a background loop.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	accounts, err := o.d.Store.AccountsWithPendingMeetings()
	if err != nil {
		return 0, fmt.Errorf("listing pending accounts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range accounts {
		g.Go(func() error {
			_, err := o.EnsureBackgroundCoverage(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	o.logger.Info("sync coverage resumed", "accounts", len(accounts))
	return len(accounts), nil
}

// Reanalyze runs the analysis cascade again over a stored transcript.
func (o *Orchestrator) Reanalyze(ctx context.Context, meetingID string) (storage.Analysis, error) {
	return o.d.Reanalyzer.Reanalyze(ctx, meetingID)
}

// RecordStageChange moves a deal to a new stage and refreshes its momentum.
func (o *Orchestrator) RecordStageChange(ctx context.Context, dealID, stage string) error {
	if err := o.d.Store.RecordStageChange(dealID, stage, o.d.Clock.Now()); err != nil {
		return fmt.Errorf("recording stage change: %w", err)
	}
	if o.d.Momentum != nil {
		if err := o.d.Momentum.Trigger(ctx, dealID); err != nil {
			o.logger.Error("momentum trigger after stage change", "deal_id", dealID, "error", err)
		}
	}
	return nil
}

// DeleteMeeting removes a meeting, cancels its session and announces the
// delete.
func (o *Orchestrator) DeleteMeeting(ctx context.Context, meetingID string) error {
	m, err := o.d.Store.GetMeeting(meetingID)
	if err != nil {
		return err
	}
	if err := o.d.Store.DeleteMeeting(meetingID); err != nil {
		return fmt.Errorf("deleting meeting: %w", err)
	}
	o.d.Registry.Cancel(meetingID, "meeting deleted")
	o.publish(ctx, bus.Event{Table: bus.TableMeetings, Op: bus.OpDelete, AccountID: m.AccountID, DealID: m.DealID, MeetingID: m.ID})
	return nil
}

// DeleteDeal removes a deal with its meetings and cancels their sessions.
func (o *Orchestrator) DeleteDeal(ctx context.Context, dealID string) error {
	d, err := o.d.Store.GetDeal(dealID)
	if err != nil {
		return err
	}
	if err := o.d.Store.DeleteDeal(dealID); err != nil {
		return fmt.Errorf("deleting deal: %w", err)
	}
	o.d.Registry.CancelDeal(dealID, "deal deleted")
	o.publish(ctx, bus.Event{Table: bus.TableDeals, Op: bus.OpDelete, AccountID: d.AccountID, DealID: d.ID})
	return nil
}

// Session returns the meeting's current session.
func (o *Orchestrator) Session(meetingID string) (session.Session, bool) {
	return o.d.Registry.Get(meetingID)
}

// Sessions lists every known session.
func (o *Orchestrator) Sessions() []session.Session {
	return o.d.Registry.List()
}

// Momentum returns the stored momentum of a deal.
func (o *Orchestrator) Momentum(dealID string) (storage.Momentum, error) {
	return o.d.Store.GetMomentum(dealID)
}

// Shutdown stops all polling and listening and waits for it to finish.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	<-o.done
	o.d.Scheduler.Shutdown()
	if o.d.Listener != nil {
		if err := o.d.Listener.Close(); err != nil {
			o.logger.Warn("closing listener", "error", err)
		}
	}
}

func (o *Orchestrator) janitor() {
	defer close(o.done)
	ticker := o.d.Clock.NewTicker(o.d.PruneAfter)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.Chan():
			if n := o.d.Registry.Prune(o.d.PruneAfter); n > 0 {
				o.logger.Debug("pruned ended sessions", "count", n)
			}
		}
	}
}

// WatchAccount subscribes the listener to an account's events. Watching an
// account twice is a no-op.
func (o *Orchestrator) WatchAccount(accountID string) error {
	if o.d.Listener == nil {
		return nil
	}
	return o.d.Listener.Watch(accountID)
}

func (o *Orchestrator) watch(accountID string) {
	if err := o.WatchAccount(accountID); err != nil {
		o.logger.Error("watching account events", "account_id", accountID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev bus.Event) {
	if o.d.Bus == nil {
		return
	}
	ev.Source = "api"
	if err := o.d.Bus.Publish(ctx, ev); err != nil {
		o.logger.Warn("publishing event", "table", ev.Table, "op", ev.Op, "error", err)
	}
}

func targetOf(m storage.Meeting) session.Target {
	return session.Target{MeetingID: m.ID, DealID: m.DealID, AccountID: m.AccountID}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
