// Package grpcutil serves goatbridge plugins as separate processes over
// HashiCorp go-plugin (net/rpc transport).
//
// Plugin executables call Serve from main:
//
//	func main() {
//	    grpcutil.Serve(&MyPlugin{})
//	}
//
// The host side lives in internal/plugin/grpc.
package grpcutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/goatbridge/pkg/plugin"
)

// Handshake is shared by host and plugins. A mismatch makes the host refuse
// the executable before any RPC happens.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GOATBRIDGE_PLUGIN",
	MagicCookieValue: "goatbridge-v1",
}

// DefaultSymbol is the dispense name used when an entry point has no symbol.
const DefaultSymbol = "plugin"

// Capabilities every plugin must report in its handshake.
const (
	CapRouter      = "router"
	CapStartup     = "startup"
	CapShutdown    = "shutdown"
	CapHealthCheck = "health_check"
)

// RequiredCapabilities lists the members checked by the host.
var RequiredCapabilities = []string{CapRouter, CapStartup, CapShutdown, CapHealthCheck}

// Capable lets a plugin narrow the capability set it reports. Plugins that
// do not implement it report RequiredCapabilities.
type Capable interface {
	Capabilities() []string
}

// Serve runs impl under DefaultSymbol. It blocks until the host disconnects.
func Serve(impl plugin.Plugin) {
	ServeSymbol(DefaultSymbol, impl)
}

// ServeSymbol runs impl under the given dispense name.
func ServeSymbol(symbol string, impl plugin.Plugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			symbol: &RPCPlugin{Impl: impl},
		},
	})
}

// RPCPlugin is the go-plugin.Plugin adapter. Impl is only set plugin-side.
type RPCPlugin struct {
	goplugin.Plugin
	Impl plugin.Plugin
}

// Server returns the RPC server (plugin side).
func (p *RPCPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl, broker: b}, nil
}

// Client returns the RPC client (host side).
func (p *RPCPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c, broker: b}, nil
}

// Description is the capability handshake payload.
type Description struct {
	Name         string
	Version      string
	Description  string
	Routes       []plugin.RouteSpec
	Capabilities []string
	APIVersion   string
}

// StartupRequest carries host config and the broker id of the host API.
type StartupRequest struct {
	Config map[string]string
	HostID uint32
}

// CallRequest is the RPC request for Call.
type CallRequest struct {
	Handler string
	Request plugin.Request
}

// CallResponse is the RPC response for Call.
type CallResponse struct {
	Response plugin.Response
	Error    string
}

// HealthResponse carries a JSON encoded plugin.Health; Details may hold
// arbitrary values that gob cannot encode.
type HealthResponse struct {
	Health json.RawMessage
	Error  string
}

// RPCClient is the host side of the plugin RPC.
type RPCClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

// call honours ctx by abandoning the pending RPC when ctx ends.
func (c *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	pending := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-pending.Done:
		return done.Error
	}
}

func (c *RPCClient) Describe(ctx context.Context) (*Description, error) {
	var resp Description
	if err := c.call(ctx, "Plugin.Describe", new(interface{}), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Startup serves hostServer on a fresh broker stream and tells the plugin
// to start with it.
func (c *RPCClient) Startup(ctx context.Context, config map[string]string, hostServer any) error {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, hostServer)

	var resp interface{}
	return c.call(ctx, "Plugin.Startup", StartupRequest{Config: config, HostID: id}, &resp)
}

func (c *RPCClient) Shutdown(ctx context.Context) error {
	var resp interface{}
	return c.call(ctx, "Plugin.Shutdown", new(interface{}), &resp)
}

func (c *RPCClient) HealthCheck(ctx context.Context) (plugin.Health, error) {
	var resp HealthResponse
	if err := c.call(ctx, "Plugin.HealthCheck", new(interface{}), &resp); err != nil {
		return plugin.Health{}, err
	}
	var h plugin.Health
	if len(resp.Health) > 0 {
		if err := json.Unmarshal(resp.Health, &h); err != nil {
			return plugin.Health{}, fmt.Errorf("decode health: %w", err)
		}
	}
	if resp.Error != "" {
		return h, errors.New(resp.Error)
	}
	return h, nil
}

func (c *RPCClient) Call(ctx context.Context, handler string, req *plugin.Request) (*plugin.Response, error) {
	var resp CallResponse
	if err := c.call(ctx, "Plugin.Call", CallRequest{Handler: handler, Request: *req}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp.Response, nil
}

// RPCServer is the plugin side of the plugin RPC.
type RPCServer struct {
	Impl   plugin.Plugin
	broker *goplugin.MuxBroker

	host *remoteHost
}

const rpcHookTimeout = 30 * time.Second

func (s *RPCServer) Describe(args interface{}, resp *Description) error {
	info := s.Impl.Info()
	caps := RequiredCapabilities
	if c, ok := s.Impl.(Capable); ok {
		caps = c.Capabilities()
	}
	*resp = Description{
		Name:         info.Name,
		Version:      info.Version,
		Description:  info.Description,
		Routes:       info.Routes,
		Capabilities: caps,
		APIVersion:   plugin.APIVersion,
	}
	return nil
}

func (s *RPCServer) Startup(req StartupRequest, resp *interface{}) error {
	host, err := dialHost(s.broker, req.HostID, s.Impl.Info().Name)
	if err != nil {
		return err
	}
	s.host = host

	ctx, cancel := context.WithTimeout(context.Background(), rpcHookTimeout)
	defer cancel()
	return s.Impl.Startup(ctx, host)
}

func (s *RPCServer) Shutdown(args interface{}, resp *interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcHookTimeout)
	defer cancel()
	err := s.Impl.Shutdown(ctx)
	if s.host != nil {
		s.host.close()
	}
	return err
}

func (s *RPCServer) HealthCheck(args interface{}, resp *HealthResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcHookTimeout)
	defer cancel()
	h, err := s.Impl.HealthCheck(ctx)
	if err != nil {
		resp.Error = err.Error()
	}
	encoded, encErr := json.Marshal(h)
	if encErr != nil {
		return fmt.Errorf("encode health: %w", encErr)
	}
	resp.Health = encoded
	return nil
}

func (s *RPCServer) Call(req CallRequest, resp *CallResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcHookTimeout)
	defer cancel()
	r := req.Request
	out, err := s.Impl.Call(ctx, req.Handler, &r)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	if out != nil {
		resp.Response = *out
	}
	return nil
}
