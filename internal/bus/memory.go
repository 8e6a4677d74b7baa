package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus. Publish invokes matching handlers
// synchronously in subscription order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
}

type memorySub struct {
	b         *MemoryBus
	id        uint64
	accountID string
	h         Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	stamp(&ev)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var matched []*memorySub
	for _, s := range b.subs {
		if Matches(s.accountID, ev) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	sortSubs(matched)
	for _, s := range matched {
		s.h(ctx, ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(accountID string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	s := &memorySub{b: b, id: b.nextID, accountID: accountID, h: h}
	b.subs[s.id] = s
	return s, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]*memorySub)
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	return nil
}

func sortSubs(subs []*memorySub) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
}

// stamp fills the event ID and timestamp when the publisher left them empty.
func stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
}
