package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/dealsync/internal/ollama"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

type mockChatter struct {
	response string
	err      error
	model    string
	messages []ollama.Message
	schema   *ollama.Schema
}

func (m *mockChatter) Chat(_ context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error) {
	m.model, m.messages, m.schema = model, messages, schema
	return m.response, m.err
}

type mockEngine struct {
	analyzeFn func(ctx context.Context, t storage.Transcript) (Insights, error)
	calls     int
}

func (m *mockEngine) Analyze(ctx context.Context, t storage.Transcript) (Insights, error) {
	m.calls++
	return m.analyzeFn(ctx, t)
}

func (m *mockEngine) Model() string { return "test-model" }

type mockTrigger struct {
	triggerFn func(ctx context.Context, dealID string) error
	deals     []string
}

func (m *mockTrigger) Trigger(ctx context.Context, dealID string) error {
	m.deals = append(m.deals, dealID)
	if m.triggerFn == nil {
		return nil
	}
	return m.triggerFn(ctx, dealID)
}

var tgt = session.Target{MeetingID: "m1", DealID: "d1", AccountID: "a1"}

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SaveDeal(storage.Deal{ID: "d1", AccountID: "a1", Name: "Acme", Stage: "discovery"}))
	require.NoError(t, s.SaveMeeting(storage.Meeting{ID: "m1", DealID: "d1", AccountID: "a1", Title: "Discovery"}))
	_, err = s.SaveTranscript(storage.Transcript{
		MeetingID: "m1",
		DealID:    "d1",
		Segments: []storage.Segment{
			{Speaker: "Ana", Text: "Reporting takes my team two days a month.", StartOffset: 12, EndOffset: 16},
			{Speaker: "Rep", Text: "I'll send a proposal Friday.", StartOffset: 75, EndOffset: 78},
		},
	})
	require.NoError(t, err)
	return s
}

func TestOllamaEngine_Analyze(t *testing.T) {
	chat := &mockChatter{response: `{
		"pain_points": ["Manual reporting", " manual reporting ", ""],
		"next_steps": ["Send proposal Friday"],
		"green_flags": ["Budget approved"],
		"red_flags": [],
		"meeting_quality_score": 14
	}`}
	e := NewOllamaEngine(chat, "llama3.1")

	in, err := e.Analyze(context.Background(), storage.Transcript{
		Segments: []storage.Segment{{Speaker: "Ana", Text: "Reporting is manual.", StartOffset: 65}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Manual reporting"}, in.PainPoints)
	assert.Equal(t, []string{"Send proposal Friday"}, in.NextSteps)
	assert.Equal(t, float64(10), in.QualityScore)

	assert.Equal(t, "llama3.1", chat.model)
	require.NotNil(t, chat.schema)
	assert.Contains(t, chat.schema.Required, "meeting_quality_score")
	require.Len(t, chat.messages, 2)
	assert.Equal(t, "[01:05] Ana: Reporting is manual.", chat.messages[1].Content)
}

func TestOllamaEngine_BadResponses(t *testing.T) {
	_, err := NewOllamaEngine(&mockChatter{response: "not json"}, "m").Analyze(context.Background(), storage.Transcript{})
	assert.Error(t, err)

	_, err = NewOllamaEngine(&mockChatter{err: errors.New("ollama down")}, "m").Analyze(context.Background(), storage.Transcript{})
	assert.ErrorContains(t, err, "ollama down")
}

func TestCascade_StoresAnalysisThenTriggers(t *testing.T) {
	store := seededStore(t)
	engine := &mockEngine{analyzeFn: func(_ context.Context, tr storage.Transcript) (Insights, error) {
		require.Len(t, tr.Segments, 2)
		return Insights{PainPoints: []string{"manual reporting"}, NextSteps: []string{"proposal"}, QualityScore: 7}, nil
	}}
	trig := &mockTrigger{triggerFn: func(_ context.Context, dealID string) error {
		// The analysis must already be visible when momentum runs.
		a, err := store.GetAnalysis("m1")
		require.NoError(t, err)
		assert.Equal(t, 7.0, a.QualityScore)
		return nil
	}}

	a, err := NewCascade(store, engine, trig).Analyze(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, "test-model", a.Model)
	assert.Equal(t, []string{"d1"}, trig.deals)

	deal, err := store.GetDeal("d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deal.SignalSeq)
}

func TestCascade_EngineFailureSkipsTrigger(t *testing.T) {
	store := seededStore(t)
	engine := &mockEngine{analyzeFn: func(context.Context, storage.Transcript) (Insights, error) {
		return Insights{}, errors.New("model overloaded")
	}}
	trig := &mockTrigger{}

	_, err := NewCascade(store, engine, trig).Analyze(context.Background(), tgt)
	require.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Empty(t, trig.deals)

	_, err = store.GetAnalysis("m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCascade_TriggerFailureKeepsAnalysis(t *testing.T) {
	store := seededStore(t)
	engine := &mockEngine{analyzeFn: func(context.Context, storage.Transcript) (Insights, error) {
		return Insights{GreenFlags: []string{"budget"}, QualityScore: 6}, nil
	}}
	trig := &mockTrigger{triggerFn: func(context.Context, string) error { return errors.New("queue full") }}

	_, err := NewCascade(store, engine, trig).Analyze(context.Background(), tgt)
	require.NoError(t, err)

	a, err := store.GetAnalysis("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"budget"}, a.GreenFlags)
}

func TestCascade_MissingTranscript(t *testing.T) {
	store := seededStore(t)
	engine := &mockEngine{}

	_, err := NewCascade(store, engine, nil).Analyze(context.Background(), session.Target{MeetingID: "m2", DealID: "d1"})
	assert.ErrorIs(t, err, ErrAnalysisFailed)
	assert.Zero(t, engine.calls)
}

func TestCascade_ReanalyzeOverwrites(t *testing.T) {
	store := seededStore(t)
	score := 3.0
	engine := &mockEngine{analyzeFn: func(context.Context, storage.Transcript) (Insights, error) {
		return Insights{QualityScore: score}, nil
	}}
	c := NewCascade(store, engine, nil)

	_, err := c.Analyze(context.Background(), tgt)
	require.NoError(t, err)
	score = 8
	_, err = c.Reanalyze(context.Background(), "m1")
	require.NoError(t, err)

	list, err := store.ListAnalyses("d1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 8.0, list[0].QualityScore)

	_, err = c.Reanalyze(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRenderTranscript_TruncatesMiddle(t *testing.T) {
	var segs []storage.Segment
	for i := 0; i < 2000; i++ {
		segs = append(segs, storage.Segment{Speaker: "Rep", Text: strings.Repeat("x", 40), StartOffset: float64(i)})
	}
	out := renderTranscript(segs)

	assert.LessOrEqual(t, len(out), maxTranscriptChars+64)
	assert.Contains(t, out, "segments omitted")
	assert.True(t, strings.HasPrefix(out, "[00:00] Rep:"))
	assert.Contains(t, out, "[33:19] Rep:")
}
