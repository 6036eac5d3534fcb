// Package client talks to a running goatbridge daemon over its HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/goatkit/goatbridge/internal/api"
	"github.com/goatkit/goatbridge/internal/apierrors"
	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 10 * time.Second

// ErrUnreachable is returned when no daemon answers at the base URL.
var ErrUnreachable = errors.New("daemon unreachable")

// Error is a non-2xx answer from the daemon.
type Error struct {
	Status int
	API    apierrors.APIError
}

func (e *Error) Error() string {
	if e.API.Code == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.API.String(), e.Status)
}

// Client is a thin typed wrapper over the daemon API.
type Client struct {
	baseURL string
	http    *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithHTTPClient swaps the underlying transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = resty.NewWithClient(hc).SetBaseURL(c.baseURL).SetTimeout(DefaultTimeout)
	}
}

// New returns a client for the daemon at baseURL, e.g. http://127.0.0.1:9847.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL: baseURL,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the daemon address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// PluginList is the body of GET /plugins.
type PluginList struct {
	Plugins []plugin.Summary  `json:"plugins"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ReloadResult is the body of the reload endpoints. Plugin is set for a
// single-plugin reload, Result for a full sweep.
type ReloadResult struct {
	Status string              `json:"status"`
	Plugin *plugin.Summary     `json:"plugin,omitempty"`
	Result *loader.SweepResult `json:"result,omitempty"`
}

type reconnectBody struct {
	Status    string         `json:"status"`
	Connector connector.Info `json:"connector"`
}

// Health returns nil when the daemon answers GET /health with 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// Ready returns nil once the daemon has finished starting up.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ready", nil)
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Plugins fetches GET /plugins.
func (c *Client) Plugins(ctx context.Context) (*PluginList, error) {
	var out PluginList
	if err := c.do(ctx, http.MethodGet, "/plugins", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connectors fetches GET /connectors.
func (c *Client) Connectors(ctx context.Context) (*connector.Status, error) {
	var out connector.Status
	if err := c.do(ctx, http.MethodGet, "/connectors", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconnect forces connector name to rebuild its client.
func (c *Client) Reconnect(ctx context.Context, name string) (*connector.Info, error) {
	var out reconnectBody
	if err := c.do(ctx, http.MethodPost, "/connectors/"+url.PathEscape(name)+"/reconnect", &out); err != nil {
		return nil, err
	}
	return &out.Connector, nil
}

// Reload reloads one plugin, or runs a full sweep when name is empty.
func (c *Client) Reload(ctx context.Context, name string) (*ReloadResult, error) {
	path := "/reload-plugins"
	if name != "" {
		path = "/plugins/" + url.PathEscape(name) + "/reload"
	}
	var out ReloadResult
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to stop. It returns once the request is accepted.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil)
}

// WaitStopped polls /health until the daemon stops answering or timeout
// elapses.
func (c *Client) WaitStopped(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Health(ctx); errors.Is(err, ErrUnreachable) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon still running after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	var apiErr apierrors.Body
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w at %s: %v", ErrUnreachable, c.baseURL, err)
	}
	if resp.IsError() {
		return &Error{Status: resp.StatusCode(), API: apiErr.Error}
	}
	return nil
}
