// Package bus carries row-change notifications between the persistence
// layer, the provider webhook and the sync listener.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/dealsync/internal/storage"
)

// Tables and operations that appear on the bus.
const (
	TableTranscripts = "transcripts"
	TableMeetings    = "meetings"
	TableDeals       = "deals"
	TableAnalyses    = "analyses"
	TableMomentum    = "momentum"

	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// SourceSelf marks events this service published itself.
const SourceSelf = "dealsync"

// AllAccounts subscribes to every account.
const AllAccounts = "*"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// Event describes one row change.
type Event struct {
	ID         string              `json:"id"`
	Table      string              `json:"table"`
	Op         string              `json:"op"`
	AccountID  string              `json:"account_id"`
	DealID     string              `json:"deal_id,omitempty"`
	MeetingID  string              `json:"meeting_id,omitempty"`
	Source     string              `json:"source,omitempty"`
	Transcript *storage.Transcript `json:"transcript,omitempty"`
	At         time.Time           `json:"at"`
}

// Matches reports whether a subscription to accountID receives ev.
func Matches(accountID string, ev Event) bool {
	return accountID == AllAccounts || accountID == ev.AccountID
}

// Handler receives events for a subscription.
type Handler func(ctx context.Context, ev Event)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and fans out events scoped by account.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(accountID string, h Handler) (Subscription, error)
	Close() error
}
