// Package pipeline runs one sync attempt for a session: fetch (or accept a
// pushed transcript), persist, analyze. Every caller goes through Runner so
// the session state machine is applied in one place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
	"github.com/kalambet/dealsync/internal/transcript"
)

// Fetcher is the transcript stage. Implemented by transcript.Fetcher.
type Fetcher interface {
	Check(ctx context.Context, t session.Target) transcript.Result
	Persist(ctx context.Context, t session.Target, tr storage.Transcript) (bool, error)
	MarkUnavailable(meetingID string, cause error)
}

// Analyzer is the analysis stage. Implemented by analysis.Cascade.
type Analyzer interface {
	Analyze(ctx context.Context, t session.Target) (storage.Analysis, error)
}

// Stored reads what earlier attempts persisted. Implemented by
// storage.Store.
type Stored interface {
	GetTranscript(meetingID string) (storage.Transcript, error)
	GetAnalysis(meetingID string) (storage.Analysis, error)
}

// Outcome summarizes what an attempt did to its session.
type Outcome int

const (
	// Synced: transcript stored and analyzed, session Completed.
	Synced Outcome = iota
	// AlreadySynced: transcript and analysis existed, session Completed.
	AlreadySynced
	// AnalysisFailed: transcript stored, analysis failed, session Completed.
	AnalysisFailed
	// NotReady: provider has no transcript yet, session still Polling.
	NotReady
	// Failed: transient error, session still Polling.
	Failed
	// Abandoned: permanent error, session Abandoned.
	Abandoned
	// Discarded: the session ended while the attempt was in flight.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case AlreadySynced:
		return "already_synced"
	case AnalysisFailed:
		return "analysis_failed"
	case NotReady:
		return "not_ready"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Terminal reports whether the session has ended after this outcome.
func (o Outcome) Terminal() bool {
	return o != NotReady && o != Failed
}

// Result is what one attempt produced.
type Result struct {
	Outcome  Outcome
	Attempt  int
	Err      error
	Analysis *storage.Analysis
}

// Runner executes attempts.
type Runner struct {
	fetcher  Fetcher
	analyzer Analyzer
	stored   Stored
	logger   *slog.Logger
}

func NewRunner(f Fetcher, a Analyzer, stored Stored) *Runner {
	return &Runner{fetcher: f, analyzer: a, stored: stored, logger: slog.Default()}
}

// Attempt counts one attempt against the session and asks the provider,
// unless the transcript is already stored.
// ctx should be the service context: the session's own context is cancelled
// on termination, and an in-flight call is allowed to finish and be dropped.
func (r *Runner) Attempt(ctx context.Context, h *session.Handle) Result {
	n, ok := h.BeginAttempt()
	if !ok {
		return Result{Outcome: Discarded, Attempt: n}
	}
	t := h.Target()

	tr, err := r.stored.GetTranscript(t.MeetingID)
	switch {
	case err == nil:
		out := r.finish(ctx, h, tr)
		out.Attempt = n
		return out
	case !errors.Is(err, storage.ErrNotFound):
		r.logger.Warn("checking stored transcript", "meeting_id", t.MeetingID, "error", err)
	}

	res := r.fetcher.Check(ctx, t)
	switch res.Status {
	case transcript.NotReady:
		r.logger.Debug("transcript not ready", "meeting_id", t.MeetingID, "attempt", n)
		return Result{Outcome: NotReady, Attempt: n}
	case transcript.Transient:
		r.logger.Warn("transcript fetch failed", "meeting_id", t.MeetingID, "attempt", n, "error", res.Err)
		return Result{Outcome: Failed, Attempt: n, Err: res.Err}
	case transcript.Permanent:
		r.logger.Warn("transcript unavailable", "meeting_id", t.MeetingID, "error", res.Err)
		if !h.Abandon("provider: " + res.Err.Error()) {
			return Result{Outcome: Discarded, Attempt: n, Err: res.Err}
		}
		r.fetcher.MarkUnavailable(t.MeetingID, res.Err)
		return Result{Outcome: Abandoned, Attempt: n, Err: res.Err}
	}

	out := r.finish(ctx, h, *res.Transcript)
	out.Attempt = n
	return out
}

// Deliver completes the session from a pushed transcript without calling
// the provider. A push without a usable transcript falls back to Attempt.
func (r *Runner) Deliver(ctx context.Context, h *session.Handle, p session.Push) Result {
	if p.Transcript == nil || transcript.Validate(p.Transcript.Segments) != nil {
		return r.Attempt(ctx, h)
	}
	out := r.finish(ctx, h, *p.Transcript)
	out.Attempt = h.Snapshot().AttemptsMade
	return out
}

// Yield hands a session back after a non-terminal attempt. Pushes that
// arrived during the attempt are delivered first, so a transcript announced
// mid-attempt is never left behind an Idle session.
func (r *Runner) Yield(ctx context.Context, h *session.Handle, res Result) Result {
	for !res.Outcome.Terminal() {
		p, ok := h.TakePushOrRelease()
		if !ok {
			return res
		}
		r.logger.Debug("delivering transcript pushed during attempt", "meeting_id", h.Target().MeetingID)
		res = r.Deliver(ctx, h, p)
	}
	return res
}

func (r *Runner) finish(ctx context.Context, h *session.Handle, tr storage.Transcript) Result {
	t := h.Target()
	if !h.BeginSync() {
		r.logger.Info("dropping transcript for ended session", "meeting_id", t.MeetingID)
		return Result{Outcome: Discarded}
	}

	inserted, err := r.fetcher.Persist(ctx, t, tr)
	if err != nil {
		if !h.Abandon("persist failed: " + err.Error()) {
			return Result{Outcome: Discarded, Err: err}
		}
		r.logger.Error("persisting transcript", "meeting_id", t.MeetingID, "error", err)
		return Result{Outcome: Abandoned, Err: err}
	}
	if !inserted {
		if _, err := r.stored.GetAnalysis(t.MeetingID); err == nil {
			if !h.Complete("already synced") {
				return Result{Outcome: Discarded}
			}
			return Result{Outcome: AlreadySynced}
		} else if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("checking existing analysis", "meeting_id", t.MeetingID, "error", err)
		}
	}

	if !h.Live() {
		r.logger.Info("session ended before analysis, skipping cascade", "meeting_id", t.MeetingID)
		return Result{Outcome: Discarded}
	}
	a, err := r.analyzer.Analyze(ctx, t)
	if !h.Live() {
		r.logger.Info("session ended during analysis, dropping result", "meeting_id", t.MeetingID)
		return Result{Outcome: Discarded, Err: err}
	}
	if err != nil {
		r.logger.Error("analysis cascade failed", "meeting_id", t.MeetingID, "deal_id", t.DealID, "error", err)
		if !h.Complete("transcript synced, analysis failed") {
			return Result{Outcome: Discarded, Err: err}
		}
		return Result{Outcome: AnalysisFailed, Err: err}
	}
	if !h.Complete("transcript synced") {
		return Result{Outcome: Discarded}
	}
	r.logger.Info("meeting synced", "meeting_id", t.MeetingID, "deal_id", t.DealID)
	return Result{Outcome: Synced, Analysis: &a}
}
