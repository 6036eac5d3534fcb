// Example out-of-process plugin for goatbridge.
//
// Build: go build -o echo ./internal/plugin/grpc/example
//
// Deploy to a plugin directory alongside plugin.json:
//
//	plugins/echo/
//	  ├── plugin.json   # {"name": "echo", "version": "1.0.0", "entry_point": "echo:plugin"}
//	  └── echo          # the executable
//
// The daemon discovers plugin.json, launches the binary and talks to it over
// RPC. Touching plugin.json restarts the process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/goatkit/goatbridge/pkg/plugin"
	"github.com/goatkit/goatbridge/pkg/plugin/grpcutil"
)

// EchoPlugin answers pings, echoes bodies and can proxy to a connector.
type EchoPlugin struct {
	calls atomic.Int64

	mu   sync.RWMutex
	host plugin.Host
}

func (p *EchoPlugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "Echoes requests; runs as a separate process",
		Routes: []plugin.RouteSpec{
			{Method: "GET", Path: "/ping", Handler: "ping", Description: "Liveness check"},
			{Method: "POST", Path: "/echo", Handler: "echo", Description: "Return the request body"},
			{Method: "GET", Path: "/proxy/:connector/*path", Handler: "proxy", Description: "GET through a named connector"},
		},
	}
}

func (p *EchoPlugin) Startup(ctx context.Context, host plugin.Host) error {
	p.mu.Lock()
	p.host = host
	p.mu.Unlock()

	host.Logger().Info("echo plugin started")
	host.Emit(ctx, "echo.started", map[string]any{"version": "1.0.0"})
	return nil
}

func (p *EchoPlugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.host = nil
	p.mu.Unlock()
	return nil
}

func (p *EchoPlugin) HealthCheck(ctx context.Context) (plugin.Health, error) {
	return plugin.Health{
		Status:  plugin.HealthHealthy,
		Details: map[string]any{"calls": p.calls.Load()},
	}, nil
}

func (p *EchoPlugin) Call(ctx context.Context, handler string, req *plugin.Request) (*plugin.Response, error) {
	p.calls.Add(1)

	switch handler {
	case "ping":
		return plugin.JSON(http.StatusOK, map[string]string{"status": "pong"})

	case "echo":
		return &plugin.Response{
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    req.Body,
		}, nil

	case "proxy":
		p.mu.RLock()
		host := p.host
		p.mu.RUnlock()
		if host == nil {
			return plugin.JSON(http.StatusServiceUnavailable, map[string]string{"error": "not started"})
		}
		out, err := host.Do(ctx, req.Params["connector"], plugin.OutboundRequest{Method: "GET", Path: req.Params["path"]})
		if err != nil {
			return plugin.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		return &plugin.Response{
			Status:  out.Status,
			Headers: map[string]string{"Content-Type": out.Headers.Get("Content-Type")},
			Body:    out.Body,
		}, nil

	default:
		return nil, fmt.Errorf("unknown handler: %s", handler)
	}
}

func main() {
	grpcutil.Serve(&EchoPlugin{})
}
