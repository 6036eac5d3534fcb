// Package events is the in-process publish/subscribe bus used for plugin
// and connector lifecycle notifications.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable notification. Data is copied on construction and
// must be treated as read-only by handlers.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data,omitempty"`
	Intent    string         `json:"intent,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with a fresh id and the current time.
func NewEvent(source, topic string, data map[string]any, intent string) Event {
	return Event{
		ID:        uuid.NewString(),
		Source:    source,
		Topic:     topic,
		Data:      copyData(data),
		Intent:    intent,
		Timestamp: time.Now().UTC(),
	}
}

// WithData returns a copy of the event with data replaced.
func (e Event) WithData(data map[string]any) Event {
	e.Data = copyData(data)
	return e
}

func copyData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Handler consumes an event. Returned errors and panics are logged.
type Handler func(ctx context.Context, e Event) error

// Middleware pre-processes an event before dispatch. Returning false
// cancels delivery; the returned event replaces the input for the rest of
// the chain.
type Middleware func(e Event) (Event, bool)

// Filter selects events by glob patterns on source and topic and an
// optional exact intent.
type Filter struct {
	Source string
	Topic  string
	Intent string
}

// Match reports whether e passes the filter. Empty patterns match all.
func (f Filter) Match(e Event) bool {
	return globMatch(f.Source, e.Source) &&
		globMatch(f.Topic, e.Topic) &&
		(f.Intent == "" || f.Intent == e.Intent)
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*Filter)

// Source limits a subscription to sources matching the glob.
func Source(pattern string) SubscribeOption {
	return func(f *Filter) { f.Source = pattern }
}

// Topic limits a subscription to topics matching the glob.
func Topic(pattern string) SubscribeOption {
	return func(f *Filter) { f.Topic = pattern }
}

// Intent limits a subscription to events carrying exactly this intent.
func Intent(intent string) SubscribeOption {
	return func(f *Filter) { f.Intent = intent }
}

type subscription struct {
	handler Handler
	filter  Filter
}

// Bus dispatches events to matching subscriptions.
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	subs       map[uint64]*subscription
	nextID     uint64
	middleware []Middleware
	// draining is set by Wait; later EmitAsync calls deliver inline.
	draining bool

	pending sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*subscription),
	}
}

// On registers a handler and returns its unsubscribe function. Calling the
// returned function more than once is harmless.
func (b *Bus) On(h Handler, opts ...SubscribeOption) func() {
	f := Filter{Source: "*", Topic: "*"}
	for _, opt := range opts {
		opt(&f)
	}
	for _, p := range []string{f.Source, f.Topic} {
		if _, err := path.Match(p, ""); err != nil {
			b.logger.Warn("invalid subscription pattern never matches", "pattern", p, "error", err)
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{handler: h, filter: f}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Use appends a middleware. Middleware runs in registration order.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	b.middleware = append(b.middleware, mw)
	b.mu.Unlock()
}

// Emit builds an event, runs middleware and delivers it concurrently to
// every matching handler. It returns once all handlers have finished.
func (b *Bus) Emit(ctx context.Context, source, topic string, data map[string]any, intent string) {
	b.deliver(ctx, NewEvent(source, topic, data, intent))
}

// EmitAsync runs the Emit pipeline in the background. Once Wait has been
// called it delivers synchronously instead.
func (b *Bus) EmitAsync(ctx context.Context, source, topic string, data map[string]any, intent string) {
	e := NewEvent(source, topic, data, intent)
	ctx = context.WithoutCancel(ctx)

	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		b.deliver(ctx, e)
		return
	}
	b.pending.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.pending.Done()
		b.deliver(ctx, e)
	}()
}

// Wait blocks until all EmitAsync deliveries have finished.
func (b *Bus) Wait() {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()
	b.pending.Wait()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	chain := append([]Middleware(nil), b.middleware...)
	b.mu.RUnlock()

	for _, mw := range chain {
		next, ok := b.runMiddleware(mw, e)
		if !ok {
			b.logger.Debug("event cancelled by middleware", "source", e.Source, "topic", e.Topic)
			return
		}
		e = next
	}

	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if s.filter.Match(e) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range matched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runHandler(ctx, h, e)
		}()
	}
	wg.Wait()
}

func (b *Bus) runMiddleware(mw Middleware, e Event) (next Event, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event middleware panicked", "topic", e.Topic, "panic", fmt.Sprint(rec))
			next, ok = Event{}, false
		}
	}()
	return mw(e)
}

func (b *Bus) runHandler(ctx context.Context, h Handler, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panicked", "source", e.Source, "topic", e.Topic, "panic", fmt.Sprint(rec))
		}
	}()
	if err := h(ctx, e); err != nil {
		b.logger.Warn("event handler failed", "source", e.Source, "topic", e.Topic, "error", err)
	}
}
