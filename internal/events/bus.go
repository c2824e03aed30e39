package events

import (
	"strings"
	"sync"
	"time"

	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// Event is an ephemeral state-change notification. Events carry no identity
// beyond delivery order within a channel; the database is the durable source
// of truth.
type Event struct {
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler receives events synchronously. A panicking handler is isolated and
// logged; it never affects other subscribers or the publisher.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is an in-process publish/subscribe exchange keyed by hierarchical
// channel names (<resource-type>:<resource-id>:<topic>). Construct one per
// process with NewBus and inject it; there is no package-level instance.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	exact    map[string][]subscription
	category map[string][]subscription
	all      []subscription
	forward  func(Event)
	closed   bool
}

func NewBus() *Bus {
	return &Bus{
		exact:    make(map[string][]subscription),
		category: make(map[string][]subscription),
	}
}

// WithForwarder installs a hook invoked for every local publish, used by the
// redis relay to fan events out to other processes. Events injected back via
// Dispatch do not hit the forwarder, which prevents loops.
func (b *Bus) WithForwarder(f func(Event)) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forward = f
	return b
}

// Subscribe registers a handler for one exact channel and returns an
// unsubscribe function.
func (b *Bus) Subscribe(channel string, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.exact[channel] = append(b.exact[channel], subscription{id: id, handler: h})
	return func() { b.removeExact(channel, id) }
}

// SubscribeCategory registers a handler for every channel whose first
// segment matches category (e.g. "deployment" matches
// "deployment:<id>:status"). Used for cross-cutting concerns.
func (b *Bus) SubscribeCategory(category string, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.category[category] = append(b.category[category], subscription{id: id, handler: h})
	return func() { b.removeCategory(category, id) }
}

// SubscribeAll registers a handler for every published event.
func (b *Bus) SubscribeAll(h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	return func() { b.removeAll(id) }
}

// Publish delivers synchronously to every listener registered at publish
// time. There is no persistence or replay: a subscriber that connects later
// never sees the event.
func (b *Bus) Publish(channel string, payload any) {
	e := Event{Channel: channel, Timestamp: time.Now().UTC(), Payload: payload}
	b.mu.RLock()
	forward := b.forward
	b.mu.RUnlock()
	b.Dispatch(e)
	if forward != nil {
		forward(e)
	}
}

// Dispatch delivers an event to local subscribers without invoking the
// forwarder. The relay uses it to inject events received from other
// processes.
func (b *Bus) Dispatch(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscription, 0, 4)
	subs = append(subs, b.exact[e.Channel]...)
	if cat := channelCategory(e.Channel); cat != "" {
		subs = append(subs, b.category[cat]...)
	}
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.handler, e)
	}
}

// Close drops all subscriptions. Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.exact = make(map[string][]subscription)
	b.category = make(map[string][]subscription)
	b.all = nil
	b.forward = nil
}

func deliver(h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.L().Error("event handler panic",
				zap.String("channel", e.Channel),
				zap.Any("panic", rec),
			)
		}
	}()
	h(e)
}

func channelCategory(channel string) string {
	if i := strings.IndexByte(channel, ':'); i > 0 {
		return channel[:i]
	}
	return channel
}

func (b *Bus) removeExact(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact[channel] = removeSub(b.exact[channel], id)
	if len(b.exact[channel]) == 0 {
		delete(b.exact, channel)
	}
}

func (b *Bus) removeCategory(category string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.category[category] = removeSub(b.category[category], id)
	if len(b.category[category]) == 0 {
		delete(b.category, category)
	}
}

func (b *Bus) removeAll(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = removeSub(b.all, id)
}

func removeSub(subs []subscription, id int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
