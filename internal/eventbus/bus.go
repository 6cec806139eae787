package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rubenmavarezb/ditloop/internal/idgen"
	"github.com/rubenmavarezb/ditloop/internal/state"
)

// Bus is the in-process publish/subscribe hub. Emissions are delivered
// synchronously to every matching subscriber, in registration order, before
// Emit returns. Handlers may emit further events; the nested delivery
// completes before the outer one continues.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	all     []*Subscription
	journal *state.Journal
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithJournal makes the bus persist every emission to the given journal,
// best-effort.
func WithJournal(journal *state.Journal) Option {
	return func(b *Bus) {
		b.journal = journal
	}
}

// WithLogger sets the logger used for journal write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   map[string][]*Subscription{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Emit publishes an event to every subscriber registered for its name and to
// every catch-all subscriber. Named subscribers run first, each group in
// registration order.
func (b *Bus) Emit(ctx context.Context, name string, payload map[string]any) {
	evt := Event{
		Name:    name,
		Payload: payload,
		Time:    time.Now().UTC(),
	}

	if b.journal != nil {
		if err := b.journal.Append(ctx, name, payload); err != nil {
			b.logger.Warn("journal write failed", "event", name, "error", err)
		}
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[name])+len(b.all))
	targets = append(targets, b.subs[name]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.handler(evt)
	}
}

// On registers a handler for a single event name. The returned Subscription
// must be kept to unsubscribe.
func (b *Bus) On(name string, handler Handler) *Subscription {
	sub := &Subscription{bus: b, name: name, id: idgen.NewULID(), handler: handler}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()
	return sub
}

// OnAll registers a handler invoked for every emission regardless of name.
func (b *Bus) OnAll(handler Handler) *Subscription {
	sub := &Subscription{bus: b, all: true, id: idgen.NewULID(), handler: handler}
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return sub
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.all)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.all {
		b.all = removeSub(b.all, sub)
		return
	}
	remaining := removeSub(b.subs[sub.name], sub)
	if len(remaining) == 0 {
		delete(b.subs, sub.name)
		return
	}
	b.subs[sub.name] = remaining
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub.id != target.id {
			out = append(out, sub)
		}
	}
	return out
}
