package transcript

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/provider"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

type mockProvider struct {
	fetchFn func(ctx context.Context, meetingID string) ([]storage.Segment, error)
	calls   int
}

func (m *mockProvider) FetchTranscript(ctx context.Context, meetingID string) ([]storage.Segment, error) {
	m.calls++
	return m.fetchFn(ctx, meetingID)
}

func segmentsFn(segs ...storage.Segment) func(context.Context, string) ([]storage.Segment, error) {
	return func(context.Context, string) ([]storage.Segment, error) { return segs, nil }
}

func errFn(err error) func(context.Context, string) ([]storage.Segment, error) {
	return func(context.Context, string) ([]storage.Segment, error) { return nil, err }
}

var tgt = session.Target{MeetingID: "m1", DealID: "d1", AccountID: "a1"}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveDeal(storage.Deal{ID: "d1", AccountID: "a1", Name: "Acme", Stage: "discovery"}))
	require.NoError(t, s.SaveMeeting(storage.Meeting{ID: "m1", DealID: "d1", AccountID: "a1", Title: "Kickoff"}))
	return s
}

func TestCheck_Classification(t *testing.T) {
	good := storage.Segment{Speaker: "Ana", Text: "hello", StartOffset: 0, EndOffset: 2}
	tests := []struct {
		name string
		fn   func(context.Context, string) ([]storage.Segment, error)
		want Status
	}{
		{"ready", segmentsFn(good), Ready},
		{"not ready", errFn(provider.ErrNotReady), NotReady},
		{"rate limited", errFn(&provider.StatusError{Code: http.StatusTooManyRequests}), Transient},
		{"server error", errFn(&provider.StatusError{Code: http.StatusBadGateway}), Transient},
		{"network", errFn(errors.New("connection reset")), Transient},
		{"unknown meeting", errFn(&provider.StatusError{Code: http.StatusNotFound}), Permanent},
		{"empty payload", segmentsFn(), Transient},
		{"segment without text", segmentsFn(good, storage.Segment{Speaker: "Rep", StartOffset: 2, EndOffset: 3}), Transient},
		{"inverted offsets", segmentsFn(storage.Segment{Speaker: "Rep", Text: "x", StartOffset: 5, EndOffset: 3}), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			f := NewFetcher(&mockProvider{fetchFn: tt.fn}, store, nil)

			res := f.Check(context.Background(), tgt)
			assert.Equal(t, tt.want, res.Status)
			if tt.want == Ready {
				require.NotNil(t, res.Transcript)
				assert.Equal(t, "d1", res.Transcript.DealID)
			} else {
				assert.Nil(t, res.Transcript)
			}

			// Check never persists.
			n, err := store.CountTranscriptSegments("m1")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCheck_PermanentLeavesMeetingPending(t *testing.T) {
	store := newStore(t)
	f := NewFetcher(&mockProvider{fetchFn: errFn(&provider.StatusError{Code: http.StatusGone})}, store, nil)

	res := f.Check(context.Background(), tgt)
	require.Equal(t, Permanent, res.Status)

	m, err := store.GetMeeting("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MeetingPending, m.SyncStatus)

	f.MarkUnavailable("deleted-meanwhile", res.Err)
}

func TestFetchOnce_PermanentMarksMeetingUnavailable(t *testing.T) {
	store := newStore(t)
	f := NewFetcher(&mockProvider{fetchFn: errFn(&provider.StatusError{Code: http.StatusGone})}, store, nil)

	res := f.FetchOnce(context.Background(), "m1")
	require.Equal(t, Permanent, res.Status)

	m, err := store.GetMeeting("m1")
	require.NoError(t, err)
	assert.Equal(t, storage.MeetingUnavailable, m.SyncStatus)
	assert.Contains(t, m.SyncError, "410")
}

func TestFetchOnce_IdempotentAndPublishesOnce(t *testing.T) {
	store := newStore(t)
	b := bus.NewMemoryBus()
	var events []bus.Event
	_, err := b.Subscribe("a1", func(_ context.Context, ev bus.Event) { events = append(events, ev) })
	require.NoError(t, err)

	p := &mockProvider{fetchFn: segmentsFn(
		storage.Segment{Speaker: "Ana", Text: "Budget is approved.", StartOffset: 0, EndOffset: 3},
		storage.Segment{Speaker: "Rep", Text: "Great, next step is legal.", StartOffset: 3, EndOffset: 6},
	)}
	f := NewFetcher(p, store, b)

	for i := 0; i < 2; i++ {
		res := f.FetchOnce(context.Background(), "m1")
		require.Equal(t, Ready, res.Status, "attempt %d: %v", i, res.Err)
	}

	n, err := store.CountTranscriptSegments("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, events, 1)
	assert.Equal(t, bus.TableTranscripts, events[0].Table)
	assert.Equal(t, bus.SourceSelf, events[0].Source)
	assert.Equal(t, "m1", events[0].MeetingID)
}

func TestFetchOnce_UnknownMeeting(t *testing.T) {
	store := newStore(t)
	p := &mockProvider{fetchFn: segmentsFn()}
	res := NewFetcher(p, store, nil).FetchOnce(context.Background(), "missing")

	assert.Equal(t, Permanent, res.Status)
	assert.ErrorIs(t, res.Err, storage.ErrNotFound)
	assert.Zero(t, p.calls)
}

func TestPersist_RejectsInvalidPush(t *testing.T) {
	store := newStore(t)
	f := NewFetcher(&mockProvider{}, store, nil)

	_, err := f.Persist(context.Background(), tgt, storage.Transcript{})
	assert.ErrorIs(t, err, ErrMalformed)
}
