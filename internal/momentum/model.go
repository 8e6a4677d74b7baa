package momentum

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kalambet/dealsync/internal/storage"
)

// Result is a model's view of a deal at the history's read time.
type Result struct {
	Score float64
	Trend storage.Trend
}

// Model computes momentum from a full deal history.
type Model interface {
	Compute(ctx context.Context, h storage.DealHistory) (Result, error)
}

const (
	stallAfter     = 21 * 24 * time.Hour
	halfLife       = 14 * 24 * time.Hour
	velocityWindow = 30 * 24 * time.Hour
	trendDelta     = 5.0
)

// HeuristicModel scores a deal from meeting quality, buying signals, stage
// velocity and recency. It is deterministic for a given history.
type HeuristicModel struct{}

func (HeuristicModel) Compute(_ context.Context, h storage.DealHistory) (Result, error) {
	now := h.ReadAt
	analyses := append([]storage.Analysis(nil), h.Analyses...)
	sort.SliceStable(analyses, func(i, j int) bool { return analyses[i].AnalyzedAt.Before(analyses[j].AnalyzedAt) })

	last := h.Deal.CreatedAt
	var weighted, weights float64
	for _, a := range analyses {
		age := now.Sub(a.AnalyzedAt)
		if age < 0 {
			age = 0
		}
		w := math.Pow(0.5, float64(age)/float64(halfLife))
		weighted += w * meetingSignal(a)
		weights += w
		if a.AnalyzedAt.After(last) {
			last = a.AnalyzedAt
		}
	}
	score := 0.0
	if weights > 0 {
		score = weighted / weights
	}

	moves := 0
	for _, t := range h.Transitions {
		if now.Sub(t.ChangedAt) <= velocityWindow {
			moves++
		}
		if t.ChangedAt.After(last) {
			last = t.ChangedAt
		}
	}
	score += math.Min(float64(moves)*5, 15)

	if now.Sub(last) > stallAfter {
		return Result{Score: round(clamp(score * 0.5)), Trend: storage.TrendStalled}, nil
	}

	trend := storage.TrendSteady
	if n := len(analyses); n >= 2 {
		latest := meetingSignal(analyses[n-1])
		prev := analyses[max(0, n-4) : n-1]
		var sum float64
		for _, a := range prev {
			sum += meetingSignal(a)
		}
		switch delta := latest - sum/float64(len(prev)); {
		case delta > trendDelta:
			trend = storage.TrendAccelerating
		case delta < -trendDelta:
			trend = storage.TrendDecelerating
		}
	} else if moves > 0 {
		trend = storage.TrendAccelerating
	}
	return Result{Score: round(clamp(score)), Trend: trend}, nil
}

// meetingSignal maps one analysis onto 0..100.
func meetingSignal(a storage.Analysis) float64 {
	s := a.QualityScore*10 +
		5*float64(len(a.GreenFlags)) -
		7*float64(len(a.RedFlags)) +
		3*float64(len(a.NextSteps))
	return clamp(s)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}
