// Package poller drives repeated transcript fetch attempts under the
// intensive and background policies. Every attempt goes through the session
// registry.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/dealsync/internal/pipeline"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// ErrThrottled is returned by Sweep when the account was swept less than
// the minimum interval ago.
var ErrThrottled = errors.New("sweep throttled")

// Attempter runs one attempt for a session. Implemented by pipeline.Runner.
type Attempter interface {
	Attempt(ctx context.Context, h *session.Handle) pipeline.Result
	Deliver(ctx context.Context, h *session.Handle, p session.Push) pipeline.Result
	Yield(ctx context.Context, h *session.Handle, res pipeline.Result) pipeline.Result
}

// MeetingSource lists meetings waiting for a transcript. Implemented by
// storage.Store.
type MeetingSource interface {
	PendingMeetings(accountID string, now time.Time) ([]storage.Meeting, error)
}

// Config holds the scheduling cadence.
type Config struct {
	IntensiveInterval     time.Duration
	IntensiveMaxAttempts  int
	BackgroundInterval    time.Duration
	BackgroundMinInterval time.Duration
	SweepConcurrency      int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		IntensiveInterval:     2 * time.Minute,
		IntensiveMaxAttempts:  15,
		BackgroundInterval:    15 * time.Minute,
		BackgroundMinInterval: time.Minute,
		SweepConcurrency:      4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IntensiveInterval <= 0 {
		c.IntensiveInterval = d.IntensiveInterval
	}
	if c.IntensiveMaxAttempts <= 0 {
		c.IntensiveMaxAttempts = d.IntensiveMaxAttempts
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = d.BackgroundInterval
	}
	if c.BackgroundMinInterval <= 0 {
		c.BackgroundMinInterval = d.BackgroundMinInterval
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	return c
}

// Scheduler owns the polling goroutines: one per intensive session and one
// per covered account.
type Scheduler struct {
	reg      *session.Registry
	runner   Attempter
	meetings MeetingSource
	clock    clockwork.Clock
	cfg      Config
	logger   *slog.Logger

	// OnExhausted is called after an intensive session runs out of attempts.
	OnExhausted func(ctx context.Context, t session.Target)

	mu        sync.Mutex
	coverage  map[string]context.CancelFunc
	lastSweep map[string]time.Time
	wg        sync.WaitGroup
}

// New creates a Scheduler. A nil clock uses the wall clock.
func New(reg *session.Registry, runner Attempter, meetings MeetingSource, clock clockwork.Clock, cfg Config) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		reg:       reg,
		runner:    runner,
		meetings:  meetings,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		coverage:  make(map[string]context.CancelFunc),
		lastSweep: make(map[string]time.Time),
	}
}

// IntensivePolicy returns the configured intensive policy.
func (s *Scheduler) IntensivePolicy() session.Policy {
	return session.Intensive(s.cfg.IntensiveMaxAttempts, s.cfg.IntensiveInterval)
}

// BackgroundPolicy returns the configured background policy.
func (s *Scheduler) BackgroundPolicy() session.Policy {
	return session.Background(s.cfg.BackgroundInterval)
}

// StartIntensive runs RunIntensive in its own goroutine. ctx bounds the
// loop's lifetime and must outlive the request that started it.
func (s *Scheduler) StartIntensive(ctx context.Context, h *session.Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunIntensive(ctx, h)
	}()
}

// RunIntensive waits one interval before every attempt until the session
// ends, its budget is spent or ctx is done. A push received while waiting
// replaces the next tick.
func (s *Scheduler) RunIntensive(ctx context.Context, h *session.Handle) {
	p := h.Policy()
	t := h.Target()
	s.logger.Info("intensive sync started", "meeting_id", t.MeetingID, "session_id", h.ID(),
		"interval", p.Interval, "max_attempts", p.MaxAttempts)

	for {
		timer := s.clock.NewTimer(p.Interval)
		var res pipeline.Result
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.Done():
			timer.Stop()
			return
		case push := <-h.Pushes():
			timer.Stop()
			res = s.runner.Deliver(ctx, h, push)
		case <-timer.Chan():
			res = s.runner.Attempt(ctx, h)
		}

		if res.Outcome.Terminal() {
			return
		}
		if p.Exhausted(res.Attempt) {
			if h.Abandon("exhausted") {
				s.logger.Warn("intensive sync exhausted", "meeting_id", t.MeetingID, "attempts", res.Attempt)
				if s.OnExhausted != nil {
					s.OnExhausted(ctx, t)
				}
			}
			return
		}
	}
}

// EnsureBackground starts the background loop for an account unless one is
// already running. It reports whether a loop was started.
func (s *Scheduler) EnsureBackground(ctx context.Context, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.coverage[accountID]; ok {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.coverage[accountID] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBackground(loopCtx, accountID)
	}()
	return true
}

// StopBackground cancels an account's background loop.
func (s *Scheduler) StopBackground(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.coverage[accountID]
	if !ok {
		return false
	}
	cancel()
	delete(s.coverage, accountID)
	return true
}

// Covered reports whether an account has a background loop.
func (s *Scheduler) Covered(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.coverage[accountID]
	return ok
}

func (s *Scheduler) runBackground(ctx context.Context, accountID string) {
	s.logger.Info("background coverage started", "account_id", accountID, "interval", s.cfg.BackgroundInterval)
	defer s.logger.Info("background coverage stopped", "account_id", accountID)

	for {
		if _, err := s.Sweep(ctx, accountID); err != nil && !errors.Is(err, ErrThrottled) {
			s.logger.Error("background sweep failed", "account_id", accountID, "error", err)
		}

		timer := s.clock.NewTimer(s.cfg.BackgroundInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// Sweep attempts every pending meeting of the account once, with bounded
// concurrency. Meetings with an active session are skipped. It returns the
// number of meetings attempted.
func (s *Scheduler) Sweep(ctx context.Context, accountID string) (int, error) {
	now := s.clock.Now()
	s.mu.Lock()
	if last, ok := s.lastSweep[accountID]; ok && now.Sub(last) < s.cfg.BackgroundMinInterval {
		s.mu.Unlock()
		return 0, ErrThrottled
	}
	s.lastSweep[accountID] = now
	s.mu.Unlock()

	pending, err := s.meetings.PendingMeetings(accountID, now)
	if err != nil {
		return 0, err
	}

	policy := s.BackgroundPolicy()
	var (
		g         errgroup.Group
		mu        sync.Mutex
		attempted int
	)
	g.SetLimit(s.cfg.SweepConcurrency)
	for _, m := range pending {
		t := session.Target{MeetingID: m.ID, DealID: m.DealID, AccountID: m.AccountID}
		g.Go(func() error {
			h, err := s.reg.Acquire(t, policy)
			if errors.Is(err, session.ErrAlreadyActive) {
				return nil
			}
			if err != nil {
				return err
			}
			s.runner.Yield(ctx, h, s.runner.Attempt(ctx, h))
			mu.Lock()
			attempted++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	s.logger.Debug("background sweep done", "account_id", accountID, "pending", len(pending), "attempted", attempted)
	return attempted, err
}

// Shutdown stops every background loop and waits for all polling goroutines
// to return. Intensive loops stop when the ctx they were started with ends.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id, cancel := range s.coverage {
		cancel()
		delete(s.coverage, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
