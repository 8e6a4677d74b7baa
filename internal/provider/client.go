// Package provider talks to the third-party transcript provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/dealsync/internal/storage"
)

// ErrNotReady means the provider knows the meeting but the transcript is
// still being produced.
var ErrNotReady = errors.New("transcript not ready")

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("provider: unexpected status %d: %s", e.Code, e.Message)
}

// Permanent reports whether retrying can never succeed: the meeting is
// unknown to the provider or its recording was removed.
func (e *StatusError) Permanent() bool {
	return e.Code == http.StatusNotFound || e.Code == http.StatusGone
}

// IsPermanent reports whether err carries a permanent provider status.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Client fetches transcripts over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client. A zero timeout defaults to 30s.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transcriptResponse struct {
	Status   string            `json:"status"`
	Segments []storage.Segment `json:"segments"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// FetchTranscript requests the transcript of one meeting. It returns
// ErrNotReady while the provider is still processing and *StatusError for
// other non-200 responses. Segments are returned as received; validation is
// left to the caller.
func (c *Client) FetchTranscript(ctx context.Context, meetingID string) ([]storage.Segment, error) {
	endpoint := c.baseURL + "/v1/meetings/" + url.PathEscape(meetingID) + "/transcript"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating transcript request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting transcript: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, ErrNotReady
	case resp.StatusCode != http.StatusOK:
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return nil, &StatusError{Code: resp.StatusCode, Message: er.Error.Message}
	}

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding transcript response: %w", err)
	}
	if tr.Status == "processing" {
		return nil, ErrNotReady
	}
	return tr.Segments, nil
}
