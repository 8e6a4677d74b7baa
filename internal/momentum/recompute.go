// Package momentum keeps each deal's momentum score in step with its
// analyses and stage history.
package momentum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dealsync/internal/bus"
	"github.com/kalambet/dealsync/internal/storage"
)

// ErrComputeFailed wraps model failures. The stored momentum is untouched
// when it is returned.
var ErrComputeFailed = errors.New("momentum computation failed")

// Store is the persistence Recomputer needs. Implemented by storage.Store.
type Store interface {
	DealHistory(dealID string) (storage.DealHistory, error)
	SaveMomentum(m storage.Momentum) error
	GetMomentum(dealID string) (storage.Momentum, error)
}

// Publisher announces momentum changes.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Recomputer rereads a deal's history and replaces its momentum.
type Recomputer struct {
	store     Store
	model     Model
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// NewRecomputer creates a Recomputer. publisher may be nil.
func NewRecomputer(store Store, model Model, publisher Publisher) *Recomputer {
	return &Recomputer{
		store:     store,
		model:     model,
		publisher: publisher,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Recompute computes momentum from the history as it is now. The write is
// conditional on the signal sequence the history was read at: when a newer
// computation already landed, the stored state wins and is returned.
func (r *Recomputer) Recompute(ctx context.Context, dealID string) (storage.Momentum, error) {
	h, err := r.store.DealHistory(dealID)
	if err != nil {
		return storage.Momentum{}, fmt.Errorf("reading deal history: %w", err)
	}

	res, err := r.model.Compute(ctx, h)
	if err != nil {
		return storage.Momentum{}, fmt.Errorf("%w: deal %s: %v", ErrComputeFailed, dealID, err)
	}

	m := storage.Momentum{
		DealID:     dealID,
		Score:      res.Score,
		Trend:      res.Trend,
		BasisSeq:   h.Deal.SignalSeq,
		ComputedAt: r.now().UTC(),
	}
	if err := r.store.SaveMomentum(m); err != nil {
		if errors.Is(err, storage.ErrStale) {
			r.logger.Info("momentum superseded by newer computation", "deal_id", dealID, "basis_seq", m.BasisSeq)
			return r.store.GetMomentum(dealID)
		}
		return storage.Momentum{}, fmt.Errorf("saving momentum: %w", err)
	}

	r.logger.Info("momentum recomputed", "deal_id", dealID, "score", m.Score, "trend", m.Trend)
	if r.publisher != nil {
		ev := bus.Event{Table: bus.TableMomentum, Op: bus.OpUpdate, AccountID: h.Deal.AccountID, DealID: dealID, Source: bus.SourceSelf}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Warn("publishing momentum update", "deal_id", dealID, "error", err)
		}
	}
	return m, nil
}

// Trigger recomputes inline.
func (r *Recomputer) Trigger(ctx context.Context, dealID string) error {
	_, err := r.Recompute(ctx, dealID)
	return err
}
