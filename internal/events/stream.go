package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Broker fans bus events out to streaming HTTP clients (SSE and websocket).
type Broker struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[chan Event]Filter

	upgrader websocket.Upgrader

	quit      chan struct{}
	closeOnce sync.Once
}

// NewBroker creates a broker. Attach it to a bus with Attach.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:  logger,
		clients: make(map[chan Event]Filter),
		quit:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Loopback daemon; browsers on any local origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach subscribes the broker to every event on the bus.
func (b *Broker) Attach(bus *Bus) func() {
	return bus.On(func(ctx context.Context, e Event) error {
		b.Publish(e)
		return nil
	})
}

// Subscribe adds a client and returns its event channel.
func (b *Broker) Subscribe(f Filter) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends an event to all matching clients. Slow clients have the
// event dropped.
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, f := range b.clients {
		if !f.Match(e) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Close ends every open stream. Later streams end immediately.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.quit) })
}

// ClientCount returns the number of connected streaming clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	return Filter{Source: q.Get("source"), Topic: q.Get("topic"), Intent: q.Get("intent")}
}

// ServeHTTP streams events as server-sent events. Query params source,
// topic and intent filter the stream.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.Subscribe(filterFromQuery(r))
	defer b.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-b.quit:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				b.logger.Warn("encode event failed", "topic", e.Topic, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Topic, payload)
			flusher.Flush()
		}
	}
}

// ServeWS streams events as JSON text frames over a websocket.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := b.Subscribe(filterFromQuery(r))
	defer b.Unsubscribe(ch)

	// Reader goroutine notices client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
