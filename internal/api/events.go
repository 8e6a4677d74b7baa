package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/storage"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// WebhookSource is the event source recorded for provider pushes.
const WebhookSource = "provider"

// TranscriptWebhook is the provider's push. Segments may be omitted when the
// provider only signals that a transcript became available.
type TranscriptWebhook struct {
	MeetingID string            `json:"meeting_id"`
	Segments  []storage.Segment `json:"segments,omitempty"`
}

// handleTranscriptWebhook turns a provider push into a transcripts/insert
// event. The listener does the rest.
func handleTranscriptWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TranscriptWebhook
		if !decodeBody(w, r, maxWebhookBodySize, &req) {
			return
		}
		if req.MeetingID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "meeting_id is required")
			return
		}

		m, err := deps.Store.GetMeeting(req.MeetingID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "meeting not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get meeting: %v", err)
			return
		}

		// The listener only hears accounts it watches; a push for an
		// account with no coverage yet would otherwise go nowhere.
		if err := deps.Orchestrator.WatchAccount(m.AccountID); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to watch account: %v", err)
			return
		}

		ev := bus.Event{
			ID:        uuid.New().String(),
			Table:     bus.TableTranscripts,
			Op:        bus.OpInsert,
			AccountID: m.AccountID,
			DealID:    m.DealID,
			MeetingID: m.ID,
			Source:    WebhookSource,
		}
		if len(req.Segments) > 0 {
			ev.Transcript = &storage.Transcript{
				MeetingID: m.ID,
				DealID:    m.DealID,
				Segments:  req.Segments,
				FetchedAt: time.Now().UTC(),
			}
		}
		if err := deps.Bus.Publish(r.Context(), ev); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to publish event: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": ev.ID})
	}
}

// handleEvents streams an account's bus events over a websocket. Slow
// clients lose events rather than stall publishers.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")

		events := make(chan bus.Event, eventBuffer)
		sub, err := deps.Bus.Subscribe(accountID, func(_ context.Context, ev bus.Event) {
			ev.Transcript = nil
			select {
			case events <- ev:
			default:
				slog.Warn("dropping event for slow websocket client", "account_id", accountID, "event_id", ev.ID)
			}
		})
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "failed to subscribe: %v", err)
			return
		}
		defer sub.Unsubscribe()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("websocket accept failed", "account_id", accountID, "error", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "stream ended")

		ctx := c.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			case ev := <-events:
				wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
				err := wsjson.Write(wctx, c, ev)
				cancel()
				if err != nil {
					slog.Debug("websocket write failed", "account_id", accountID, "error", err)
					return
				}
			}
		}
	}
}
