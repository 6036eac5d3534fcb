// Package plugin defines the contract between the goatbridge daemon and the
// integrations it hosts.
//
// A plugin is either compiled into the daemon (registered as a Factory under
// its manifest entry point) or shipped as a separate executable served with
// grpcutil.Serve. Both satisfy Plugin and are managed uniformly.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// APIVersion is the contract version reported to plugins and checked
// against a manifest's bridge_api field (major component only).
const APIVersion = "1.0"

// ErrUnavailable is wrapped by Host.Do errors when the connector refused
// or failed the call (open circuit, not connected, transport or 5xx).
var ErrUnavailable = errors.New("connector unavailable")

// Plugin is implemented by every integration.
type Plugin interface {
	// Info returns identity and the routes mounted under /{name}.
	Info() Info

	// Startup runs once before routes serve traffic. The Host gives access
	// to logging, events and outbound connectors.
	Startup(ctx context.Context, host Host) error

	// Shutdown releases resources. It must tolerate being called after a
	// failed Startup.
	Shutdown(ctx context.Context) error

	// HealthCheck reports plugin-specific health.
	HealthCheck(ctx context.Context) (Health, error)

	// Call dispatches a routed request to the named handler.
	Call(ctx context.Context, handler string, req *Request) (*Response, error)
}

// Factory creates a fresh plugin instance.
type Factory func() Plugin

// Info describes a plugin instance.
type Info struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Routes      []RouteSpec `json:"routes,omitempty"`
}

// RouteSpec is one request handler. Path is relative to the plugin prefix
// and uses gin syntax (":id", "*rest").
type RouteSpec struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Handler     string `json:"handler"`
	Description string `json:"description,omitempty"`
}

// Request is an inbound HTTP request routed to a plugin handler.
type Request struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Params  map[string]string   `json:"params,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty"`
	Body    json.RawMessage     `json:"body,omitempty"`
}

// Bind decodes the JSON body into v.
func (r *Request) Bind(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Response is a plugin handler result.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// JSON builds a response with v encoded as the body.
func JSON(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Response{Status: status, Body: body}, nil
}

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthError     = "error"
)

// Health is a plugin health report.
type Health struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Host is the shared context handed to plugins on Startup.
type Host interface {
	// Logger is scoped to the plugin.
	Logger() *slog.Logger

	// Emit publishes an event with the plugin name as source.
	Emit(ctx context.Context, topic string, data map[string]any)

	// AddConnector registers and connects an outbound connector owned by
	// the plugin. It is removed when the plugin is unregistered.
	AddConnector(ctx context.Context, spec ConnectorSpec) error

	// Do sends a request through a named connector and its circuit.
	Do(ctx context.Context, connector string, req OutboundRequest) (*OutboundResponse, error)
}

// ConnectorSpec describes an outbound service.
type ConnectorSpec struct {
	Name             string
	BaseURL          string
	HealthEndpoint   string
	Timeout          time.Duration
	PoolSize         int
	FailureThreshold int
	ResetTimeout     time.Duration
	Headers          map[string]string
}

// OutboundRequest is a call made through a connector.
type OutboundRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    any
}

// OutboundResponse is the raw connector reply.
type OutboundResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}
