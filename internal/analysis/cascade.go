// Package analysis derives insights from persisted transcripts and hands
// the affected deal to momentum recomputation.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// ErrAnalysisFailed wraps every failure of the analysis stage.
var ErrAnalysisFailed = errors.New("analysis failed")

// Store is the persistence the cascade needs. Implemented by storage.Store.
type Store interface {
	GetMeeting(id string) (storage.Meeting, error)
	GetTranscript(meetingID string) (storage.Transcript, error)
	SaveAnalysis(a storage.Analysis) error
}

// Trigger schedules a momentum recomputation for a deal.
type Trigger interface {
	Trigger(ctx context.Context, dealID string) error
}

// Cascade runs the engine over a stored transcript, overwrites the meeting's
// analysis and triggers momentum for the deal.
type Cascade struct {
	store   Store
	engine  Engine
	trigger Trigger
	now     func() time.Time
	logger  *slog.Logger
}

// NewCascade creates a Cascade. trigger may be nil.
func NewCascade(store Store, engine Engine, trigger Trigger) *Cascade {
	return &Cascade{
		store:   store,
		engine:  engine,
		trigger: trigger,
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Analyze reads the persisted transcript of the target meeting and stores a
// fresh analysis. The momentum trigger runs only after the analysis is
// stored and its failure is logged, never returned.
func (c *Cascade) Analyze(ctx context.Context, t session.Target) (storage.Analysis, error) {
	tr, err := c.store.GetTranscript(t.MeetingID)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: loading transcript %s: %w", ErrAnalysisFailed, t.MeetingID, err)
	}

	in, err := c.engine.Analyze(ctx, tr)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}

	dealID := t.DealID
	if dealID == "" {
		dealID = tr.DealID
	}
	a := storage.Analysis{
		MeetingID:    t.MeetingID,
		DealID:       dealID,
		PainPoints:   in.PainPoints,
		NextSteps:    in.NextSteps,
		GreenFlags:   in.GreenFlags,
		RedFlags:     in.RedFlags,
		QualityScore: in.QualityScore,
		Model:        c.engine.Model(),
		AnalyzedAt:   c.now().UTC(),
	}
	if err := c.store.SaveAnalysis(a); err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: saving analysis: %w", ErrAnalysisFailed, err)
	}
	c.logger.Info("meeting analyzed", "meeting_id", t.MeetingID, "deal_id", dealID, "quality", a.QualityScore)

	if c.trigger != nil {
		if err := c.trigger.Trigger(ctx, dealID); err != nil {
			c.logger.Error("momentum trigger failed", "deal_id", dealID, "error", err)
		}
	}
	return a, nil
}

// Reanalyze runs Analyze for a meeting whose transcript is already stored.
func (c *Cascade) Reanalyze(ctx context.Context, meetingID string) (storage.Analysis, error) {
	m, err := c.store.GetMeeting(meetingID)
	if err != nil {
		return storage.Analysis{}, fmt.Errorf("loading meeting %s: %w", meetingID, err)
	}
	return c.Analyze(ctx, session.Target{MeetingID: m.ID, DealID: m.DealID, AccountID: m.AccountID})
}
