package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned when a momentum write is based on an older signal
// sequence than the one already stored.
var ErrStale = errors.New("stale momentum basis")

// Meeting sync statuses.
const (
	MeetingPending     = "pending"
	MeetingSynced      = "synced"
	MeetingUnavailable = "unavailable"
)

type Deal struct {
	ID        string
	AccountID string
	Name      string
	Stage     string
	SignalSeq int64 // bumped on every analysis write or stage change
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StageTransition struct {
	DealID    string
	FromStage string
	ToStage   string
	ChangedAt time.Time
}

type Meeting struct {
	ID          string
	DealID      string
	AccountID   string
	Title       string
	ScheduledAt time.Time
	EndsAt      time.Time
	SyncStatus  string
	SyncError   string
	CreatedAt   time.Time
}

// Segment is one speaker-attributed span of a transcript. Offsets are
// seconds from the start of the recording.
type Segment struct {
	Speaker     string  `json:"speaker"`
	Text        string  `json:"text"`
	StartOffset float64 `json:"start_offset"`
	EndOffset   float64 `json:"end_offset"`
}

type Transcript struct {
	MeetingID string    `json:"meeting_id"`
	DealID    string    `json:"deal_id,omitempty"`
	Segments  []Segment `json:"segments"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Analysis struct {
	MeetingID    string    `json:"meeting_id"`
	DealID       string    `json:"deal_id"`
	PainPoints   []string  `json:"pain_points"`
	NextSteps    []string  `json:"next_steps"`
	GreenFlags   []string  `json:"green_flags"`
	RedFlags     []string  `json:"red_flags"`
	QualityScore float64   `json:"meeting_quality_score"`
	Model        string    `json:"model,omitempty"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

type Trend string

const (
	TrendAccelerating Trend = "accelerating"
	TrendSteady       Trend = "steady"
	TrendDecelerating Trend = "decelerating"
	TrendStalled      Trend = "stalled"
)

type Momentum struct {
	DealID     string    `json:"deal_id"`
	Score      float64   `json:"score"`
	Trend      Trend     `json:"trend"`
	BasisSeq   int64     `json:"basis_seq"`
	ComputedAt time.Time `json:"last_computed_at"`
}

// DealHistory is everything the momentum model reads for one deal, captured
// in a single read so the signal sequence matches the rows returned.
type DealHistory struct {
	Deal        Deal
	Transitions []StageTransition
	Analyses    []Analysis
	ReadAt      time.Time
}

type Job struct {
	ID          string
	Type        string
	DedupeKey   string // at most one pending job per non-empty key
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
