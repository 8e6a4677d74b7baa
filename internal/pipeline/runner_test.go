package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
	"github.com/kalambet/dealsync/internal/transcript"
)

type mockFetcher struct {
	checkFn   func(ctx context.Context, t session.Target) transcript.Result
	persistFn func(ctx context.Context, t session.Target, tr storage.Transcript) (bool, error)
	checks    int
	persists  int
	marked    []string
}

func (m *mockFetcher) MarkUnavailable(meetingID string, _ error) {
	m.marked = append(m.marked, meetingID)
}

func (m *mockFetcher) Check(ctx context.Context, t session.Target) transcript.Result {
	m.checks++
	return m.checkFn(ctx, t)
}

func (m *mockFetcher) Persist(ctx context.Context, t session.Target, tr storage.Transcript) (bool, error) {
	m.persists++
	if m.persistFn == nil {
		return true, nil
	}
	return m.persistFn(ctx, t, tr)
}

type mockAnalyzer struct {
	err    error
	during func(t session.Target)
	calls  int
}

func (m *mockAnalyzer) Analyze(_ context.Context, t session.Target) (storage.Analysis, error) {
	m.calls++
	if m.during != nil {
		m.during(t)
	}
	if m.err != nil {
		return storage.Analysis{}, m.err
	}
	return storage.Analysis{MeetingID: t.MeetingID, DealID: t.DealID, QualityScore: 7}, nil
}

type mockLookup struct {
	found      bool
	transcript *storage.Transcript
}

func (m mockLookup) GetTranscript(string) (storage.Transcript, error) {
	if m.transcript != nil {
		return *m.transcript, nil
	}
	return storage.Transcript{}, storage.ErrNotFound
}

func (m mockLookup) GetAnalysis(string) (storage.Analysis, error) {
	if m.found {
		return storage.Analysis{}, nil
	}
	return storage.Analysis{}, storage.ErrNotFound
}

var tgt = session.Target{MeetingID: "m1", DealID: "d1", AccountID: "a1"}

func readyTranscript() *storage.Transcript {
	return &storage.Transcript{MeetingID: "m1", DealID: "d1", Segments: []storage.Segment{{Speaker: "Ana", Text: "hi", EndOffset: 1}}}
}

func statusFn(s transcript.Status, err error) func(context.Context, session.Target) transcript.Result {
	return func(context.Context, session.Target) transcript.Result {
		if s == transcript.Ready {
			return transcript.Result{Status: s, Transcript: readyTranscript()}
		}
		return transcript.Result{Status: s, Err: err}
	}
}

func acquire(t *testing.T, reg *session.Registry, p session.Policy) *session.Handle {
	t.Helper()
	h, err := reg.Acquire(tgt, p)
	require.NoError(t, err)
	return h
}

func TestAttempt_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      transcript.Status
		err         error
		want        Outcome
		wantState   session.State
		wantAnalyze int
	}{
		{"ready", transcript.Ready, nil, Synced, session.Completed, 1},
		{"not ready", transcript.NotReady, nil, NotReady, session.Polling, 0},
		{"transient", transcript.Transient, errors.New("503"), Failed, session.Polling, 0},
		{"permanent", transcript.Permanent, errors.New("404"), Abandoned, session.Abandoned, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := session.NewRegistry(nil)
			h := acquire(t, reg, session.Intensive(15, 2*time.Minute))
			f := &mockFetcher{checkFn: statusFn(tt.status, tt.err)}
			a := &mockAnalyzer{}

			res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)

			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, 1, res.Attempt)
			assert.Equal(t, tt.wantAnalyze, a.calls)
			s, _ := reg.Get("m1")
			assert.Equal(t, tt.wantState, s.State)
			assert.Equal(t, tt.want.Terminal(), s.State.Terminal())
			if tt.want == Abandoned {
				assert.Equal(t, []string{"m1"}, f.marked)
			} else {
				assert.Empty(t, f.marked)
			}
		})
	}
}

func TestAttempt_PermanentAfterCancelLeavesMeetingAlone(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.Intensive(15, 2*time.Minute))
	f := &mockFetcher{checkFn: func(_ context.Context, t session.Target) transcript.Result {
		reg.Cancel(t.MeetingID, "meeting deleted")
		return transcript.Result{Status: transcript.Permanent, Err: errors.New("404")}
	}}

	res := NewRunner(f, &mockAnalyzer{}, mockLookup{}).Attempt(context.Background(), h)

	assert.Equal(t, Discarded, res.Outcome)
	assert.Empty(t, f.marked)
	s, _ := reg.Get("m1")
	assert.Equal(t, "meeting deleted", s.Reason)
}

func TestAttempt_CancelledWhileFetchingDropsResult(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.Intensive(15, 2*time.Minute))

	f := &mockFetcher{checkFn: func(ctx context.Context, t session.Target) transcript.Result {
		reg.Cancel(t.MeetingID, "meeting deleted")
		return transcript.Result{Status: transcript.Ready, Transcript: readyTranscript()}
	}}
	a := &mockAnalyzer{}

	res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)

	assert.Equal(t, Discarded, res.Outcome)
	assert.Zero(t, f.persists)
	assert.Zero(t, a.calls)
	s, _ := reg.Get("m1")
	assert.Equal(t, session.Abandoned, s.State)
}

func TestAttempt_CancelledAfterPersistSkipsAnalysis(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.OneShot())
	f := &mockFetcher{
		checkFn: statusFn(transcript.Ready, nil),
		persistFn: func(_ context.Context, t session.Target, _ storage.Transcript) (bool, error) {
			reg.Cancel(t.MeetingID, "meeting deleted")
			return true, nil
		},
	}
	a := &mockAnalyzer{}

	res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)

	assert.Equal(t, Discarded, res.Outcome)
	assert.Zero(t, a.calls)
	s, _ := reg.Get("m1")
	assert.Equal(t, session.Abandoned, s.State)
	assert.Equal(t, "meeting deleted", s.Reason)
}

func TestAttempt_CancelledDuringAnalysisDropsResult(t *testing.T) {
	for _, analyzeErr := range []error{nil, errors.New("analysis failed: meeting gone")} {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.OneShot())
		f := &mockFetcher{checkFn: statusFn(transcript.Ready, nil)}
		a := &mockAnalyzer{err: analyzeErr, during: func(t session.Target) {
			reg.Cancel(t.MeetingID, "meeting deleted")
		}}

		res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)

		assert.Equal(t, Discarded, res.Outcome)
		assert.Nil(t, res.Analysis)
		s, _ := reg.Get("m1")
		assert.Equal(t, session.Abandoned, s.State)
		assert.Equal(t, "meeting deleted", s.Reason)
	}
}

func TestAttempt_AnalysisFailureStillCompletes(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.OneShot())
	f := &mockFetcher{checkFn: statusFn(transcript.Ready, nil)}
	a := &mockAnalyzer{err: errors.New("analysis failed: engine down")}

	res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)

	assert.Equal(t, AnalysisFailed, res.Outcome)
	assert.Equal(t, 1, f.persists)
	s, _ := reg.Get("m1")
	assert.Equal(t, session.Completed, s.State)
	assert.Contains(t, s.Reason, "analysis failed")
}

func TestAttempt_PersistFailureAbandons(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.OneShot())
	f := &mockFetcher{
		checkFn: statusFn(transcript.Ready, nil),
		persistFn: func(context.Context, session.Target, storage.Transcript) (bool, error) {
			return false, errors.New("disk full")
		},
	}
	a := &mockAnalyzer{}

	res := NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)
	assert.Equal(t, Abandoned, res.Outcome)
	assert.Zero(t, a.calls)
}

func TestAttempt_PersistFailureAfterCancelIsDiscarded(t *testing.T) {
	reg := session.NewRegistry(nil)
	h := acquire(t, reg, session.OneShot())
	f := &mockFetcher{
		checkFn: statusFn(transcript.Ready, nil),
		persistFn: func(_ context.Context, t session.Target, _ storage.Transcript) (bool, error) {
			reg.Cancel(t.MeetingID, "meeting deleted")
			return false, storage.ErrNotFound
		},
	}

	res := NewRunner(f, &mockAnalyzer{}, mockLookup{}).Attempt(context.Background(), h)
	assert.Equal(t, Discarded, res.Outcome)
	s, _ := reg.Get("m1")
	assert.Equal(t, "meeting deleted", s.Reason)
}

func TestAttempt_AlreadyStoredSkipsCascade(t *testing.T) {
	reg := session.NewRegistry(nil)
	notInserted := func(context.Context, session.Target, storage.Transcript) (bool, error) { return false, nil }

	h := acquire(t, reg, session.OneShot())
	f := &mockFetcher{checkFn: statusFn(transcript.Ready, nil), persistFn: notInserted}
	a := &mockAnalyzer{}
	res := NewRunner(f, a, mockLookup{found: true}).Attempt(context.Background(), h)
	assert.Equal(t, AlreadySynced, res.Outcome)
	assert.Zero(t, a.calls)

	// Stored by someone else but never analyzed: the cascade still runs.
	h = acquire(t, reg, session.OneShot())
	res = NewRunner(f, a, mockLookup{}).Attempt(context.Background(), h)
	assert.Equal(t, Synced, res.Outcome)
	assert.Equal(t, 1, a.calls)
}

func TestAttempt_StoredTranscriptSkipsProvider(t *testing.T) {
	notInserted := func(context.Context, session.Target, storage.Transcript) (bool, error) { return false, nil }

	t.Run("analyzed", func(t *testing.T) {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.OneShot())
		f := &mockFetcher{checkFn: statusFn(transcript.NotReady, nil), persistFn: notInserted}
		a := &mockAnalyzer{}

		res := NewRunner(f, a, mockLookup{found: true, transcript: readyTranscript()}).Attempt(context.Background(), h)

		assert.Equal(t, AlreadySynced, res.Outcome)
		assert.Equal(t, 1, res.Attempt)
		assert.Zero(t, f.checks)
		assert.Zero(t, a.calls)
	})

	t.Run("not analyzed yet", func(t *testing.T) {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.OneShot())
		f := &mockFetcher{checkFn: statusFn(transcript.NotReady, nil), persistFn: notInserted}
		a := &mockAnalyzer{}

		res := NewRunner(f, a, mockLookup{transcript: readyTranscript()}).Deliver(context.Background(), h, session.Push{})

		assert.Equal(t, Synced, res.Outcome)
		assert.Zero(t, f.checks)
		assert.Equal(t, 1, a.calls)
	})
}

func TestDeliver(t *testing.T) {
	t.Run("with transcript skips provider", func(t *testing.T) {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.Intensive(15, 2*time.Minute))
		f := &mockFetcher{checkFn: statusFn(transcript.NotReady, nil)}
		a := &mockAnalyzer{}

		res := NewRunner(f, a, mockLookup{}).Deliver(context.Background(), h, session.Push{Transcript: readyTranscript()})
		assert.Equal(t, Synced, res.Outcome)
		assert.Zero(t, f.checks)
		assert.Equal(t, 1, a.calls)
	})

	t.Run("ready signal fetches once", func(t *testing.T) {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.OneShot())
		f := &mockFetcher{checkFn: statusFn(transcript.Ready, nil)}
		a := &mockAnalyzer{}

		res := NewRunner(f, a, mockLookup{}).Deliver(context.Background(), h, session.Push{})
		assert.Equal(t, Synced, res.Outcome)
		assert.Equal(t, 1, f.checks)
	})

	t.Run("malformed push falls back to fetch", func(t *testing.T) {
		reg := session.NewRegistry(nil)
		h := acquire(t, reg, session.OneShot())
		f := &mockFetcher{checkFn: statusFn(transcript.NotReady, nil)}

		res := NewRunner(f, &mockAnalyzer{}, mockLookup{}).Deliver(context.Background(), h, session.Push{Transcript: &storage.Transcript{}})
		assert.Equal(t, NotReady, res.Outcome)
		assert.Equal(t, 1, f.checks)
	})
}
