package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/events"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// ErrNoConnectors is returned by Host connector calls when the daemon runs
// without a connector registry.
var ErrNoConnectors = errors.New("connectors not available")

// host is the pkgplugin.Host given to one plugin.
type host struct {
	name       string
	logger     *slog.Logger
	connectors *connector.Registry
	bus        *events.Bus

	mu    sync.Mutex
	owned []string
}

var _ pkgplugin.Host = (*host)(nil)

func newHost(name string, base *slog.Logger, logs *LogBuffer, connectors *connector.Registry, bus *events.Bus) *host {
	logger := slog.New(newBufferHandler(base.Handler(), logs, name)).With("plugin", name)
	return &host{
		name:       name,
		logger:     logger,
		connectors: connectors,
		bus:        bus,
	}
}

func (h *host) Logger() *slog.Logger { return h.logger }

// Emit publishes asynchronously so a slow subscriber never stalls a plugin.
func (h *host) Emit(ctx context.Context, topic string, data map[string]any) {
	if h.bus == nil {
		return
	}
	h.bus.EmitAsync(ctx, h.name, topic, data, "")
}

// AddConnector registers the connector and tries to connect it. A failed
// connect is logged only; the health monitor keeps reconnecting.
func (h *host) AddConnector(ctx context.Context, spec pkgplugin.ConnectorSpec) error {
	if h.connectors == nil {
		return ErrNoConnectors
	}
	c := connector.New(connector.Config{
		Name:             spec.Name,
		BaseURL:          spec.BaseURL,
		HealthEndpoint:   spec.HealthEndpoint,
		Timeout:          spec.Timeout,
		PoolSize:         spec.PoolSize,
		FailureThreshold: spec.FailureThreshold,
		ResetTimeout:     spec.ResetTimeout,
		Headers:          spec.Headers,
	}, connector.WithLogger(h.logger))

	if err := h.connectors.Register(c); err != nil {
		return err
	}
	h.mu.Lock()
	h.owned = append(h.owned, spec.Name)
	h.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		h.logger.Warn("connector connect failed", "connector", spec.Name, "error", err)
	}
	return nil
}

func (h *host) Do(ctx context.Context, name string, req pkgplugin.OutboundRequest) (*pkgplugin.OutboundResponse, error) {
	if h.connectors == nil {
		return nil, ErrNoConnectors
	}
	c, ok := h.connectors.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", connector.ErrNotFound, name)
	}

	var opts []connector.RequestOption
	if req.Body != nil {
		opts = append(opts, connector.WithBody(req.Body))
	}
	if len(req.Query) > 0 {
		opts = append(opts, connector.WithQuery(req.Query))
	}
	if len(req.Headers) > 0 {
		opts = append(opts, connector.WithHeaders(req.Headers))
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}

	resp, err := c.Request(ctx, method, req.Path, opts...)
	var out *pkgplugin.OutboundResponse
	if resp != nil {
		out = &pkgplugin.OutboundResponse{
			Status:  resp.StatusCode(),
			Headers: resp.Header(),
			Body:    resp.Body(),
		}
	}
	if err != nil {
		if errors.Is(err, connector.ErrUnavailable) {
			return out, fmt.Errorf("%w: %w", pkgplugin.ErrUnavailable, err)
		}
		return out, err
	}
	return out, nil
}

// release removes every connector this plugin added.
func (h *host) release(ctx context.Context) {
	h.mu.Lock()
	owned := h.owned
	h.owned = nil
	h.mu.Unlock()

	for _, name := range owned {
		if c, ok := h.connectors.Unregister(name); ok {
			_ = c.Disconnect(ctx)
		}
	}
}
