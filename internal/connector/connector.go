// Package connector wraps outbound HTTP clients to external services with a
// circuit breaker, tracks them in a registry and probes them in the
// background.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/goatkit/goatbridge/internal/circuit"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultPoolSize       = 10
	DefaultHealthEndpoint = "/"
	maxProbeTimeout       = 5 * time.Second
)

// Connector is the lifecycle and request surface the registry and the
// health monitor rely on.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CheckHealth(ctx context.Context) bool
	Request(ctx context.Context, method, path string, opts ...RequestOption) (*resty.Response, error)
	Healthy() bool
	SetHealthy(healthy bool)
	Circuit() *circuit.Breaker
	Info() Info
}

// Config describes one external service.
type Config struct {
	Name             string            `mapstructure:"name" json:"name"`
	BaseURL          string            `mapstructure:"base_url" json:"base_url"`
	HealthEndpoint   string            `mapstructure:"health_endpoint" json:"health_endpoint,omitempty"`
	Timeout          time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
	PoolSize         int               `mapstructure:"pool_size" json:"pool_size,omitempty"`
	FailureThreshold int               `mapstructure:"failure_threshold" json:"failure_threshold,omitempty"`
	ResetTimeout     time.Duration     `mapstructure:"reset_timeout" json:"reset_timeout,omitempty"`
	Headers          map[string]string `mapstructure:"headers" json:"-"`
}

// Info is the externally visible state of a connector.
type Info struct {
	Name         string        `json:"name"`
	BaseURL      string        `json:"base_url"`
	Connected    bool          `json:"connected"`
	Healthy      bool          `json:"healthy"`
	CircuitState circuit.State `json:"circuit_state"`
	FailureCount int           `json:"failure_count"`
}

// ConnectHook runs after a fresh client is built, e.g. to authenticate.
// Returning an error discards the client.
type ConnectHook func(ctx context.Context, client *resty.Client) error

// Option configures an HTTPConnector.
type Option func(*HTTPConnector)

// WithConnectHook installs a hook run on every Connect.
func WithConnectHook(hook ConnectHook) Option {
	return func(c *HTTPConnector) {
		c.onConnect = hook
	}
}

// WithLogger sets the connector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPConnector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the breaker clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *HTTPConnector) {
		c.now = now
	}
}

// HTTPConnector is a Connector backed by a resty client.
type HTTPConnector struct {
	cfg       Config
	breaker   *circuit.Breaker
	logger    *slog.Logger
	onConnect ConnectHook
	now       func() time.Time

	mu      sync.RWMutex
	client  *resty.Client
	healthy bool
}

// New creates a disconnected connector.
func New(cfg Config, opts ...Option) *HTTPConnector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.HealthEndpoint == "" {
		cfg.HealthEndpoint = DefaultHealthEndpoint
	}
	c := &HTTPConnector{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("connector", cfg.Name)

	metrics := globalMetrics()
	c.breaker = circuit.New(circuit.Config{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		Now:              c.now,
		OnStateChange: func(from, to circuit.State) {
			c.logger.Info("circuit state changed", "from", from.String(), "to", to.String())
			metrics.setCircuitState(cfg.Name, to)
		},
	})
	metrics.setCircuitState(cfg.Name, circuit.Closed)
	return c
}

func (c *HTTPConnector) Name() string { return c.cfg.Name }

func (c *HTTPConnector) Circuit() *circuit.Breaker { return c.breaker }

// Connect builds a fresh client, replacing any existing one. The circuit is
// left untouched.
func (c *HTTPConnector) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("connector %q: parse base url: %w", c.cfg.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("connector %q: base url %q must be absolute http(s)", c.cfg.Name, c.cfg.BaseURL)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        c.cfg.PoolSize,
		MaxIdleConnsPerHost: c.cfg.PoolSize,
		MaxConnsPerHost:     c.cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	client := resty.New().
		SetTransport(transport).
		SetBaseURL(strings.TrimRight(c.cfg.BaseURL, "/")).
		SetTimeout(c.cfg.Timeout).
		SetHeaders(c.cfg.Headers)

	if c.onConnect != nil {
		if err := c.onConnect(ctx, client); err != nil {
			transport.CloseIdleConnections()
			return fmt.Errorf("connector %q: connect hook: %w", c.cfg.Name, err)
		}
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if old != nil {
		old.GetClient().CloseIdleConnections()
	}
	c.logger.Debug("connected", "base_url", c.cfg.BaseURL)
	return nil
}

// Disconnect releases the client and marks the connector unhealthy.
func (c *HTTPConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.healthy = false
	c.mu.Unlock()

	globalMetrics().setHealthy(c.cfg.Name, false)
	if old != nil {
		old.GetClient().CloseIdleConnections()
	}
	return nil
}

// CheckHealth probes the health endpoint with a short timeout. Any status
// below 500 counts as reachable.
func (c *HTTPConnector) CheckHealth(ctx context.Context) bool {
	client := c.currentClient()
	if client == nil {
		return false
	}

	timeout := c.cfg.Timeout
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.R().SetContext(ctx).Get(c.cfg.HealthEndpoint)
	if err != nil {
		c.logger.Debug("health probe failed", "error", err)
		return false
	}
	return resp.StatusCode() < http.StatusInternalServerError
}

// RequestOption customises a single request.
type RequestOption func(*resty.Request)

// WithBody sets the request body. Structs and maps are sent as JSON.
func WithBody(body any) RequestOption {
	return func(r *resty.Request) { r.SetBody(body) }
}

// WithQuery sets query parameters.
func WithQuery(params map[string]string) RequestOption {
	return func(r *resty.Request) { r.SetQueryParams(params) }
}

// WithHeaders sets request headers.
func WithHeaders(headers map[string]string) RequestOption {
	return func(r *resty.Request) { r.SetHeaders(headers) }
}

// Request performs a call gated by the circuit. Transport errors and 5xx
// responses are recorded as failures and returned as UnavailableError. Every
// other response, 4xx included, is recorded as a success and returned as is.
func (c *HTTPConnector) Request(ctx context.Context, method, path string, opts ...RequestOption) (*resty.Response, error) {
	metrics := globalMetrics()

	if !c.breaker.CanExecute() {
		metrics.request(c.cfg.Name, "rejected")
		return nil, &UnavailableError{
			Connector: c.cfg.Name,
			Reason:    "circuit is " + c.breaker.State().String(),
		}
	}

	client := c.currentClient()
	if client == nil {
		metrics.request(c.cfg.Name, "rejected")
		return nil, &UnavailableError{Connector: c.cfg.Name, Reason: "not connected"}
	}

	req := client.R().SetContext(ctx)
	for _, opt := range opts {
		opt(req)
	}

	resp, err := req.Execute(strings.ToUpper(method), path)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.request(c.cfg.Name, "transport_error")
		return nil, &UnavailableError{Connector: c.cfg.Name, Reason: "transport error", Err: err}
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		metrics.request(c.cfg.Name, "server_error")
		return resp, &UnavailableError{
			Connector: c.cfg.Name,
			Reason:    "server error",
			Err:       &StatusError{StatusCode: resp.StatusCode(), Body: resp.Body()},
		}
	}

	c.breaker.RecordSuccess()
	metrics.request(c.cfg.Name, "ok")
	return resp, nil
}

func (c *HTTPConnector) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *HTTPConnector) SetHealthy(healthy bool) {
	c.mu.Lock()
	c.healthy = healthy
	c.mu.Unlock()
	globalMetrics().setHealthy(c.cfg.Name, healthy)
}

func (c *HTTPConnector) Info() Info {
	stats := c.breaker.Stats()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Name:         c.cfg.Name,
		BaseURL:      c.cfg.BaseURL,
		Connected:    c.client != nil,
		Healthy:      c.healthy,
		CircuitState: stats.State,
		FailureCount: stats.FailureCount,
	}
}

func (c *HTTPConnector) currentClient() *resty.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
