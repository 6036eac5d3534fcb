package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, e Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *collector) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Topic)
	}
	return out
}

func TestBus_TopicGlob(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	bus.On(c.handle, Topic("ticket.*"))

	ctx := context.Background()
	bus.Emit(ctx, "jira", "ticket.created", nil, "")
	bus.Emit(ctx, "jira", "ticket.closed", nil, "")
	bus.Emit(ctx, "jira", "issue.created", nil, "")

	assert.ElementsMatch(t, []string{"ticket.created", "ticket.closed"}, c.topics())
}

func TestBus_PluginLoadedDeliveredOnce(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	bus.On(c.handle, Topic("plugin.*"))

	bus.Emit(context.Background(), "bridge", "plugin.loaded", map[string]any{"name": "demo"}, "")

	require.Len(t, c.events, 1)
	e := c.events[0]
	assert.Equal(t, "plugin.loaded", e.Topic)
	assert.Equal(t, "bridge", e.Source)
	assert.Equal(t, "demo", e.Data["name"])
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestBus_SourceAndIntent(t *testing.T) {
	bus := NewBus(nil)
	var bySource, byIntent, all collector
	bus.On(bySource.handle, Source("jira*"))
	bus.On(byIntent.handle, Intent("notify"))
	bus.On(all.handle)

	ctx := context.Background()
	bus.Emit(ctx, "jira-cloud", "a", nil, "")
	bus.Emit(ctx, "confluence", "b", nil, "notify")
	bus.Emit(ctx, "confluence", "c", nil, "silent")

	assert.Equal(t, []string{"a"}, bySource.topics())
	assert.Equal(t, []string{"b"}, byIntent.topics())
	assert.Len(t, all.topics(), 3)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	off := bus.On(c.handle)
	assert.Equal(t, 1, bus.Subscribers())

	off()
	off()
	bus.Emit(context.Background(), "s", "t", nil, "")
	assert.Empty(t, c.topics())
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_Middleware(t *testing.T) {
	t.Run("replacement flows to later middleware and handlers", func(t *testing.T) {
		bus := NewBus(nil)
		var seen []string
		bus.Use(func(e Event) (Event, bool) {
			return e.WithData(map[string]any{"stage": "first"}), true
		})
		bus.Use(func(e Event) (Event, bool) {
			seen = append(seen, e.Data["stage"].(string))
			return e, true
		})
		var c collector
		bus.On(c.handle)

		bus.Emit(context.Background(), "s", "t", map[string]any{"stage": "orig"}, "")
		assert.Equal(t, []string{"first"}, seen)
		require.Len(t, c.events, 1)
		assert.Equal(t, "first", c.events[0].Data["stage"])
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		bus := NewBus(nil)
		var later atomic.Int32
		bus.Use(func(e Event) (Event, bool) { return e, e.Topic != "drop" })
		bus.Use(func(e Event) (Event, bool) { later.Add(1); return e, true })
		var c collector
		bus.On(c.handle)

		bus.Emit(context.Background(), "s", "drop", nil, "")
		bus.Emit(context.Background(), "s", "keep", nil, "")
		assert.Equal(t, []string{"keep"}, c.topics())
		assert.Equal(t, int32(1), later.Load())
	})

	t.Run("panicking middleware cancels", func(t *testing.T) {
		bus := NewBus(nil)
		bus.Use(func(e Event) (Event, bool) { panic("bad middleware") })
		var c collector
		bus.On(c.handle)

		assert.NotPanics(t, func() { bus.Emit(context.Background(), "s", "t", nil, "") })
		assert.Empty(t, c.topics())
	})
}

func TestBus_FailingHandlerIsolated(t *testing.T) {
	bus := NewBus(nil)
	var good collector
	bus.On(good.handle, Topic("job.*"))
	bus.On(func(ctx context.Context, e Event) error { return errors.New("always fails") }, Topic("job.*"))
	bus.On(func(ctx context.Context, e Event) error { panic("always panics") })

	var wg sync.WaitGroup
	for _, topic := range []string{"job.a", "job.b", "job.c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(context.Background(), "worker", topic, nil, "")
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"job.a", "job.b", "job.c"}, good.topics())
}

func TestBus_EmitAsync(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	bus.On(c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	bus.EmitAsync(ctx, "s", "async", nil, "")
	cancel()
	bus.Wait()

	assert.Equal(t, []string{"async"}, c.topics())
}

func TestBus_EmitAsyncWhileDraining(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	bus.On(c.handle)
	bus.On(func(ctx context.Context, e Event) error {
		if e.Topic == "first" {
			bus.EmitAsync(ctx, "s", "follow-up", nil, "")
		}
		return nil
	}, Topic("first"))

	bus.EmitAsync(context.Background(), "s", "first", nil, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.EmitAsync(context.Background(), "s", "late", nil, "")
		}()
	}
	bus.Wait()
	wg.Wait()

	topics := c.topics()
	assert.Contains(t, topics, "first")
	assert.Contains(t, topics, "follow-up")
	assert.Len(t, topics, 10)

	bus.EmitAsync(context.Background(), "s", "after", nil, "")
	assert.Equal(t, "after", c.topics()[10], "delivered before EmitAsync returns")
}

func TestEvent_DataIsCopied(t *testing.T) {
	data := map[string]any{"k": "v"}
	e := NewEvent("s", "t", data, "")
	data["k"] = "changed"
	assert.Equal(t, "v", e.Data["k"])
}

func TestFilter_InvalidPatternNeverMatches(t *testing.T) {
	f := Filter{Topic: "[bad"}
	assert.False(t, f.Match(NewEvent("s", "anything", nil, "")))
}
