package momentum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/storage"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func days(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

type modelFunc func(ctx context.Context, h storage.DealHistory) (Result, error)

func (f modelFunc) Compute(ctx context.Context, h storage.DealHistory) (Result, error) {
	return f(ctx, h)
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveDeal(storage.Deal{ID: "d1", AccountID: "a1", Name: "Acme", Stage: "discovery", CreatedAt: days(60)}))
	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, s.SaveMeeting(storage.Meeting{ID: id, DealID: "d1", AccountID: "a1", ScheduledAt: days(3)}))
	}
	return s
}

func TestHeuristicModel(t *testing.T) {
	tests := []struct {
		name      string
		history   storage.DealHistory
		wantTrend storage.Trend
		check     func(t *testing.T, r Result)
	}{
		{
			name:      "no signal for weeks is stalled",
			history:   storage.DealHistory{Deal: storage.Deal{CreatedAt: days(40)}, ReadAt: now},
			wantTrend: storage.TrendStalled,
			check:     func(t *testing.T, r Result) { assert.Zero(t, r.Score) },
		},
		{
			name: "improving meetings accelerate",
			history: storage.DealHistory{
				Deal: storage.Deal{CreatedAt: days(30)},
				Analyses: []storage.Analysis{
					{QualityScore: 4, AnalyzedAt: days(10)},
					{QualityScore: 8, GreenFlags: []string{"budget"}, AnalyzedAt: days(1)},
				},
				ReadAt: now,
			},
			wantTrend: storage.TrendAccelerating,
			check:     func(t *testing.T, r Result) { assert.Greater(t, r.Score, 60.0) },
		},
		{
			name: "red flags decelerate",
			history: storage.DealHistory{
				Deal: storage.Deal{CreatedAt: days(30)},
				Analyses: []storage.Analysis{
					{QualityScore: 8, AnalyzedAt: days(9)},
					{QualityScore: 7, AnalyzedAt: days(5)},
					{QualityScore: 5, RedFlags: []string{"competitor", "no champion"}, AnalyzedAt: days(1)},
				},
				ReadAt: now,
			},
			wantTrend: storage.TrendDecelerating,
		},
		{
			name: "stage move alone accelerates",
			history: storage.DealHistory{
				Deal:        storage.Deal{CreatedAt: days(30)},
				Transitions: []storage.StageTransition{{FromStage: "discovery", ToStage: "proposal", ChangedAt: days(2)}},
				ReadAt:      now,
			},
			wantTrend: storage.TrendAccelerating,
			check:     func(t *testing.T, r Result) { assert.Equal(t, 5.0, r.Score) },
		},
		{
			name: "flat quality is steady",
			history: storage.DealHistory{
				Deal: storage.Deal{CreatedAt: days(30)},
				Analyses: []storage.Analysis{
					{QualityScore: 6, AnalyzedAt: days(8)},
					{QualityScore: 6, AnalyzedAt: days(3)},
				},
				ReadAt: now,
			},
			wantTrend: storage.TrendSteady,
			check:     func(t *testing.T, r Result) { assert.Equal(t, 60.0, r.Score) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := HeuristicModel{}.Compute(context.Background(), tt.history)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTrend, r.Trend)
			assert.GreaterOrEqual(t, r.Score, 0.0)
			assert.LessOrEqual(t, r.Score, 100.0)
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestRecompute_UsesFullHistory(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveAnalysis(storage.Analysis{MeetingID: "m1", DealID: "d1", QualityScore: 5}))
	require.NoError(t, store.SaveAnalysis(storage.Analysis{MeetingID: "m2", DealID: "d1", QualityScore: 9}))

	var seen storage.DealHistory
	model := modelFunc(func(_ context.Context, h storage.DealHistory) (Result, error) {
		seen = h
		return Result{Score: 42, Trend: storage.TrendSteady}, nil
	})
	b := bus.NewMemoryBus()
	var events []bus.Event
	_, err := b.Subscribe("a1", func(_ context.Context, ev bus.Event) { events = append(events, ev) })
	require.NoError(t, err)

	m, err := NewRecomputer(store, model, b).Recompute(context.Background(), "d1")
	require.NoError(t, err)

	assert.Len(t, seen.Analyses, 2)
	assert.Equal(t, int64(2), m.BasisSeq)
	stored, err := store.GetMomentum("d1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, stored.Score)
	require.Len(t, events, 1)
	assert.Equal(t, bus.TableMomentum, events[0].Table)
}

func TestRecompute_StaleResultNeverOverwritesFresher(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveAnalysis(storage.Analysis{MeetingID: "m1", DealID: "d1", QualityScore: 3}))

	var rc *Recomputer
	nested := false
	model := modelFunc(func(ctx context.Context, h storage.DealHistory) (Result, error) {
		if !nested {
			// A second meeting lands and its recomputation finishes while
			// this one is still computing from the older history.
			nested = true
			require.NoError(t, store.SaveAnalysis(storage.Analysis{MeetingID: "m2", DealID: "d1", QualityScore: 9}))
			_, err := rc.Recompute(ctx, "d1")
			require.NoError(t, err)
			return Result{Score: 10, Trend: storage.TrendDecelerating}, nil
		}
		return Result{Score: 90, Trend: storage.TrendAccelerating}, nil
	})
	rc = NewRecomputer(store, model, nil)

	got, err := rc.Recompute(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.Score)

	stored, err := store.GetMomentum("d1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, stored.Score)
	assert.Equal(t, int64(2), stored.BasisSeq)
}

func TestRecompute_ModelFailureKeepsPreviousState(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.SaveMomentum(storage.Momentum{DealID: "d1", Score: 55, Trend: storage.TrendSteady}))

	failing := modelFunc(func(context.Context, storage.DealHistory) (Result, error) {
		return Result{}, errors.New("model unavailable")
	})
	_, err := NewRecomputer(store, failing, nil).Recompute(context.Background(), "d1")
	require.ErrorIs(t, err, ErrComputeFailed)

	stored, err := store.GetMomentum("d1")
	require.NoError(t, err)
	assert.Equal(t, 55.0, stored.Score)
}

func TestQueue_CoalescesPendingJobs(t *testing.T) {
	store := newStore(t)
	q := NewQueue(store)
	require.NoError(t, q.Trigger(context.Background(), "d1"))
	require.NoError(t, q.Trigger(context.Background(), "d1"))
	require.NoError(t, q.Trigger(context.Background(), "d2"))

	claimed := 0
	for {
		job, err := store.ClaimNextJob([]string{JobType})
		require.NoError(t, err)
		if job == nil {
			break
		}
		claimed++
	}
	assert.Equal(t, 2, claimed)
}

type mockRecomputing struct {
	fn    func(ctx context.Context, dealID string) (storage.Momentum, error)
	deals []string
}

func (m *mockRecomputing) Recompute(ctx context.Context, dealID string) (storage.Momentum, error) {
	m.deals = append(m.deals, dealID)
	return m.fn(ctx, dealID)
}

func TestWorker_RunOnce(t *testing.T) {
	store := newStore(t)
	require.NoError(t, NewQueue(store).Trigger(context.Background(), "d1"))

	rc := &mockRecomputing{fn: func(context.Context, string) (storage.Momentum, error) { return storage.Momentum{}, nil }}
	w := NewWorker(store, rc, time.Millisecond)

	done, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"d1"}, rc.deals)

	done, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestWorker_FailureBacksOff(t *testing.T) {
	store := newStore(t)
	require.NoError(t, NewQueue(store).Trigger(context.Background(), "d1"))

	rc := &mockRecomputing{fn: func(context.Context, string) (storage.Momentum, error) {
		return storage.Momentum{}, ErrComputeFailed
	}}
	w := NewWorker(store, rc, time.Millisecond)

	done, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	// The job is back in the queue but not runnable until its backoff passes.
	done, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, rc.deals, 1)
}

func TestWorker_DeletedDealCompletesJob(t *testing.T) {
	store := newStore(t)
	require.NoError(t, NewQueue(store).Trigger(context.Background(), "gone"))

	w := NewWorker(store, NewRecomputer(store, HeuristicModel{}, nil), time.Millisecond)
	done, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	// A fresh trigger is accepted because no pending job remains.
	queued, err := store.EnqueueJob(storage.Job{ID: "x", Type: JobType, DedupeKey: "momentum:gone", PayloadJSON: `{"deal_id":"gone"}`})
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := newStore(t)
	w := NewWorker(store, &mockRecomputing{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
