package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "dealsync.events"

// NATSBus publishes events as JSON on core NATS subjects of the form
// dealsync.events.<account>.<table>.<op>.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// DialNATS connects to natsURL, retrying in the background when the server
// is not reachable yet.
func DialNATS(natsURL string) (*NATSBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("dealsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSBus(nc), nil
}

// NewNATSBus wraps an existing connection. Close drains it.
func NewNATSBus(nc *nats.Conn) *NATSBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSBus{nc: nc, logger: slog.Default(), ctx: ctx, cancel: cancel}
}

func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.nc.Publish(Subject(ev), data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(accountID string, h Handler) (Subscription, error) {
	subject := subjectPrefix + ".>"
	if accountID != AllAccounts {
		subject = subjectPrefix + "." + token(accountID) + ".>"
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
			return
		}
		if !Matches(accountID, ev) {
			b.logger.Warn("dropping event for another account", "subject", msg.Subject, "account_id", ev.AccountID)
			return
		}
		h(b.ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.nc.Flush()
}

func (b *NATSBus) Close() error {
	b.cancel()
	return b.nc.Drain()
}

// Subject returns the NATS subject an event is published on.
func Subject(ev Event) string {
	return strings.Join([]string{subjectPrefix, token(ev.AccountID), token(ev.Table), token(ev.Op)}, ".")
}

// token makes s safe to use as a single subject token. Bytes other than
// letters, digits and '-' are written as %XX, so distinct ids never share a
// subject. The empty id is "_".
func token(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
