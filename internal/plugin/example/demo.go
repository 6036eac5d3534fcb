// Package example provides the compiled-in demo plugin.
package example

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goatkit/goatbridge/pkg/plugin"
)

// EntryPoint is the manifest entry point the demo factory is registered under.
const EntryPoint = "demo:DemoPlugin"

// Builtins returns the compiled-in plugin factories keyed by entry point.
func Builtins() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		EntryPoint: func() plugin.Plugin { return NewDemoPlugin() },
	}
}

// DemoPlugin greets, counts calls and republishes notifications on the bus.
type DemoPlugin struct {
	mu        sync.Mutex
	host      plugin.Host
	callCount int
	startedAt time.Time
	now       func() time.Time
}

// NewDemoPlugin creates a demo plugin instance.
func NewDemoPlugin() *DemoPlugin {
	return &DemoPlugin{now: time.Now}
}

func (p *DemoPlugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "demo",
		Version:     "1.0.0",
		Description: "Demo plugin compiled into the daemon",
		Routes: []plugin.RouteSpec{
			{Method: "GET", Path: "/hello", Handler: "hello", Description: "Returns a greeting"},
			{Method: "GET", Path: "/stats", Handler: "stats", Description: "Returns call statistics"},
			{Method: "POST", Path: "/notify", Handler: "notify", Description: "Publishes demo.notified"},
		},
	}
}

func (p *DemoPlugin) Startup(ctx context.Context, host plugin.Host) error {
	p.mu.Lock()
	p.host = host
	p.startedAt = p.now()
	p.mu.Unlock()

	host.Logger().Info("demo plugin started", "version", "1.0.0")
	return nil
}

func (p *DemoPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host != nil {
		p.host.Logger().Info("demo plugin shutting down", "total_calls", p.callCount)
	}
	p.host = nil
	return nil
}

func (p *DemoPlugin) HealthCheck(ctx context.Context) (plugin.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host == nil {
		return plugin.Health{Status: plugin.HealthDegraded, Details: map[string]any{"started": false}}, nil
	}
	return plugin.Health{
		Status: plugin.HealthHealthy,
		Details: map[string]any{
			"started":    true,
			"call_count": p.callCount,
		},
	}, nil
}

func (p *DemoPlugin) Call(ctx context.Context, handler string, req *plugin.Request) (*plugin.Response, error) {
	p.mu.Lock()
	p.callCount++
	host := p.host
	calls := p.callCount
	startedAt := p.startedAt
	p.mu.Unlock()

	switch handler {
	case "hello":
		name := "World"
		if v := req.Query["name"]; len(v) > 0 && v[0] != "" {
			name = v[0]
		}
		return plugin.JSON(http.StatusOK, map[string]any{
			"message":   fmt.Sprintf("Hello, %s!", name),
			"timestamp": p.now().UTC().Format(time.RFC3339),
		})

	case "stats":
		return plugin.JSON(http.StatusOK, map[string]any{
			"call_count":     calls,
			"uptime_seconds": int(p.now().Sub(startedAt).Seconds()),
		})

	case "notify":
		var body map[string]any
		if err := req.Bind(&body); err != nil {
			return plugin.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		}
		if host != nil {
			host.Emit(ctx, "demo.notified", body)
		}
		return plugin.JSON(http.StatusAccepted, map[string]bool{"published": host != nil})

	default:
		return nil, fmt.Errorf("unknown handler: %s", handler)
	}
}
