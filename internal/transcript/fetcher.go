// Package transcript wraps the transcript provider with a single-attempt
// fetch that classifies every outcome.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/provider"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// Provider is the external transcript source. Implemented by provider.Client.
type Provider interface {
	FetchTranscript(ctx context.Context, meetingID string) ([]storage.Segment, error)
}

// Store is the persistence the Fetcher needs. Implemented by storage.Store.
type Store interface {
	GetMeeting(id string) (storage.Meeting, error)
	SaveTranscript(t storage.Transcript) (bool, error)
	MarkMeetingUnavailable(id, reason string) error
}

// Publisher announces persisted transcripts.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Status classifies a fetch attempt.
type Status int

const (
	Ready Status = iota
	NotReady
	Transient
	Permanent
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case NotReady:
		return "not_ready"
	case Transient:
		return "transient_error"
	case Permanent:
		return "permanent_error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of one attempt. Transcript is set only when Ready;
// Err only for the error statuses.
type Result struct {
	Status     Status
	Transcript *storage.Transcript
	Err        error
}

// ErrMalformed marks provider payloads that failed validation.
var ErrMalformed = errors.New("malformed transcript")

// Fetcher performs single fetch attempts against the provider.
type Fetcher struct {
	provider  Provider
	store     Store
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewFetcher creates a Fetcher. publisher may be nil.
func NewFetcher(p Provider, store Store, publisher Publisher) *Fetcher {
	return &Fetcher{
		provider:  p,
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Check asks the provider once and validates the answer. Nothing is
// persisted; callers that accept a Permanent result call MarkUnavailable.
func (f *Fetcher) Check(ctx context.Context, t session.Target) Result {
	segments, err := f.provider.FetchTranscript(ctx, t.MeetingID)
	switch {
	case errors.Is(err, provider.ErrNotReady):
		return Result{Status: NotReady}
	case provider.IsPermanent(err):
		return Result{Status: Permanent, Err: err}
	case err != nil:
		return Result{Status: Transient, Err: err}
	}

	if err := Validate(segments); err != nil {
		return Result{Status: Transient, Err: err}
	}
	return Result{
		Status: Ready,
		Transcript: &storage.Transcript{
			MeetingID: t.MeetingID,
			DealID:    t.DealID,
			Segments:  segments,
			FetchedAt: f.now().UTC(),
		},
	}
}

// MarkUnavailable records a permanent provider failure so background sweeps
// stop picking the meeting up. A meeting deleted meanwhile is ignored.
func (f *Fetcher) MarkUnavailable(meetingID string, cause error) {
	err := f.store.MarkMeetingUnavailable(meetingID, cause.Error())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		f.logger.Error("marking meeting unavailable", "meeting_id", meetingID, "error", err)
	}
}

// Persist stores tr if the meeting has no transcript yet and announces the
// insert on the bus. inserted is false when a transcript was already stored.
func (f *Fetcher) Persist(ctx context.Context, t session.Target, tr storage.Transcript) (bool, error) {
	if err := Validate(tr.Segments); err != nil {
		return false, err
	}
	if tr.FetchedAt.IsZero() {
		tr.FetchedAt = f.now().UTC()
	}
	tr.MeetingID = t.MeetingID
	tr.DealID = t.DealID

	inserted, err := f.store.SaveTranscript(tr)
	if err != nil {
		return false, fmt.Errorf("saving transcript: %w", err)
	}
	if !inserted || f.publisher == nil {
		return inserted, nil
	}

	ev := bus.Event{
		Table:     bus.TableTranscripts,
		Op:        bus.OpInsert,
		AccountID: t.AccountID,
		DealID:    t.DealID,
		MeetingID: t.MeetingID,
		Source:    bus.SourceSelf,
	}
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.logger.Warn("publishing transcript insert", "meeting_id", t.MeetingID, "error", err)
	}
	return true, nil
}

// FetchOnce resolves the meeting, checks the provider and persists a ready
// transcript.
func (f *Fetcher) FetchOnce(ctx context.Context, meetingID string) Result {
	m, err := f.store.GetMeeting(meetingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Status: Permanent, Err: fmt.Errorf("meeting %s: %w", meetingID, err)}
		}
		return Result{Status: Transient, Err: fmt.Errorf("loading meeting: %w", err)}
	}
	t := session.Target{MeetingID: m.ID, DealID: m.DealID, AccountID: m.AccountID}

	res := f.Check(ctx, t)
	if res.Status == Permanent {
		f.MarkUnavailable(t.MeetingID, res.Err)
	}
	if res.Status != Ready {
		return res
	}
	if _, err := f.Persist(ctx, t, *res.Transcript); err != nil {
		return Result{Status: Transient, Err: err}
	}
	return res
}

// Validate rejects empty or malformed segment lists so partial data is
// never stored.
func Validate(segments []storage.Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrMalformed)
	}
	for i, s := range segments {
		switch {
		case s.Text == "":
			return fmt.Errorf("%w: segment %d has no text", ErrMalformed, i)
		case s.StartOffset < 0 || s.EndOffset < s.StartOffset:
			return fmt.Errorf("%w: segment %d has offsets %.2f-%.2f", ErrMalformed, i, s.StartOffset, s.EndOffset)
		}
	}
	return nil
}
