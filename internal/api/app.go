package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/dealsync/internal/analysis"
	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/orchestrator"
	"github.com/kalambet/dealsync/internal/session"
	"github.com/kalambet/dealsync/internal/storage"
)

// Orchestrator is the sync surface the API exposes. Implemented by
// orchestrator.Orchestrator.
type Orchestrator interface {
	StartIntensive(ctx context.Context, meetingID string) error
	EnsureBackgroundCoverage(ctx context.Context, accountID string) (bool, error)
	ManualSyncNow(ctx context.Context, meetingID string) orchestrator.ManualResult
	Reanalyze(ctx context.Context, meetingID string) (storage.Analysis, error)
	RecordStageChange(ctx context.Context, dealID, stage string) error
	DeleteMeeting(ctx context.Context, meetingID string) error
	DeleteDeal(ctx context.Context, dealID string) error
	Session(meetingID string) (session.Session, bool)
	Sessions() []session.Session
	Momentum(dealID string) (storage.Momentum, error)
	WatchAccount(accountID string) error
}

type AppDeps struct {
	Orchestrator Orchestrator
	Store        *storage.Store
	Bus          bus.Bus
	Token        string
}

type DealRequest struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Stage     string `json:"stage"`
}

type MeetingRequest struct {
	ID          string    `json:"id"`
	DealID      string    `json:"deal_id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EndsAt      time.Time `json:"ends_at"`
}

type StageRequest struct {
	Stage string `json:"stage"`
}

type dealView struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	SignalSeq int64     `json:"signal_seq"`
	CreatedAt time.Time `json:"created_at"`
}

type meetingView struct {
	ID          string    `json:"id"`
	DealID      string    `json:"deal_id"`
	AccountID   string    `json:"account_id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EndsAt      time.Time `json:"ends_at"`
	SyncStatus  string    `json:"sync_status"`
	SyncError   string    `json:"sync_error,omitempty"`
}

func viewDeal(d storage.Deal) dealView {
	return dealView{ID: d.ID, AccountID: d.AccountID, Name: d.Name, Stage: d.Stage, SignalSeq: d.SignalSeq, CreatedAt: d.CreatedAt}
}

func viewMeeting(m storage.Meeting) meetingView {
	return meetingView{
		ID: m.ID, DealID: m.DealID, AccountID: m.AccountID, Title: m.Title,
		ScheduledAt: m.ScheduledAt, EndsAt: m.EndsAt, SyncStatus: m.SyncStatus, SyncError: m.SyncError,
	}
}

// NewAppHandler returns the HTTP API. /health is open; everything else
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/deals", handleCreateDeal(deps))
		r.Post("/deals/{id}/stage", handleStageChange(deps))
		r.Get("/deals/{id}/momentum", handleGetMomentum(deps))
		r.Delete("/deals/{id}", handleDeleteDeal(deps))

		r.Post("/meetings", handleCreateMeeting(deps))
		r.Delete("/meetings/{id}", handleDeleteMeeting(deps))
		r.Post("/meetings/{id}/sync", handleManualSync(deps))
		r.Post("/meetings/{id}/sync/intensive", handleStartIntensive(deps))
		r.Get("/meetings/{id}/session", handleGetSession(deps))
		r.Get("/meetings/{id}/analysis", handleGetAnalysis(deps))
		r.Post("/meetings/{id}/analysis", handleReanalyze(deps))

		r.Get("/sessions", handleListSessions(deps))
		r.Post("/accounts/{id}/coverage", handleCoverage(deps))
		r.Get("/accounts/{id}/events", handleEvents(deps))

		r.Post("/webhooks/transcripts", handleTranscriptWebhook(deps))
	})

	return r
}

func handleCreateDeal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DealRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.AccountID == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "account_id and name are required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if req.Stage == "" {
			req.Stage = "discovery"
		}

		if err := deps.Store.SaveDeal(storage.Deal{ID: req.ID, AccountID: req.AccountID, Name: req.Name, Stage: req.Stage}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save deal: %v", err)
			return
		}
		d, err := deps.Store.GetDeal(req.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load deal: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, viewDeal(d))
	}
}

func handleStageChange(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req StageRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Stage) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "stage is required")
			return
		}

		err := deps.Orchestrator.RecordStageChange(r.Context(), id, req.Stage)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "deal not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to change stage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "stage": req.Stage})
	}
}

func handleGetMomentum(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Orchestrator.Momentum(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no momentum computed for deal")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get momentum: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleDeleteDeal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Orchestrator.DeleteDeal(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "deal not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete deal: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCreateMeeting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MeetingRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.DealID == "" || req.ScheduledAt.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "deal_id and scheduled_at are required")
			return
		}
		if !req.EndsAt.IsZero() && req.EndsAt.Before(req.ScheduledAt) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ends_at is before scheduled_at")
			return
		}

		d, err := deps.Store.GetDeal(req.DealID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "deal not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get deal: %v", err)
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		m := storage.Meeting{
			ID: req.ID, DealID: d.ID, AccountID: d.AccountID, Title: req.Title,
			ScheduledAt: req.ScheduledAt.UTC(), EndsAt: req.EndsAt.UTC(),
		}
		if err := deps.Store.SaveMeeting(m); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save meeting: %v", err)
			return
		}
		saved, err := deps.Store.GetMeeting(m.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load meeting: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, viewMeeting(saved))
	}
}

func handleDeleteMeeting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Orchestrator.DeleteMeeting(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "meeting not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete meeting: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleManualSync always answers 200: the outcome is in the body.
func handleManualSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Orchestrator.ManualSyncNow(r.Context(), chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStartIntensive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Orchestrator.StartIntensive(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "meeting not found")
		case errors.Is(err, session.ErrAlreadyActive):
			httpError(w, http.StatusConflict, "conflict", "sync already in progress")
		case errors.Is(err, orchestrator.ErrNotPending):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start intensive sync: %v", err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "meeting_id": id})
		}
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := deps.Orchestrator.Session(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no sync session for meeting")
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		sessions := []session.Session{}
		for _, s := range deps.Orchestrator.Sessions() {
			if state == "" || s.State.String() == state {
				sessions = append(sessions, s)
			}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func handleGetAnalysis(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Store.GetAnalysis(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "meeting has no analysis")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get analysis: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleReanalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Orchestrator.Reanalyze(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "meeting has no stored transcript")
		case errors.Is(err, analysis.ErrAnalysisFailed):
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to analyze: %v", err)
		default:
			writeJSON(w, http.StatusOK, a)
		}
	}
}

func handleCoverage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		started, err := deps.Orchestrator.EnsureBackgroundCoverage(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to ensure coverage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "started": started})
	}
}
