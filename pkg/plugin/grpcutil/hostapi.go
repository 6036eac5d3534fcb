package grpcutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/rpc"
	"os"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/goatbridge/pkg/plugin"
)

// EmitRequest is the host RPC request for Host.Emit.
type EmitRequest struct {
	Topic string
	Data  json.RawMessage
}

// DoRequest is the host RPC request for Host.Do.
type DoRequest struct {
	Connector string
	Method    string
	Path      string
	Query     map[string]string
	Headers   map[string]string
	Body      json.RawMessage
}

// DoResponse is the host RPC response for Host.Do.
type DoResponse struct {
	Status      int
	Headers     http.Header
	Body        []byte
	Error       string
	Unavailable bool
}

// HostRPCServer exposes a plugin.Host to an out-of-process plugin. It runs
// in the host process on a broker stream.
type HostRPCServer struct {
	Host plugin.Host
}

func (s *HostRPCServer) Emit(req EmitRequest, resp *interface{}) error {
	var data map[string]any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return fmt.Errorf("decode event data: %w", err)
		}
	}
	s.Host.Emit(context.Background(), req.Topic, data)
	return nil
}

func (s *HostRPCServer) AddConnector(spec plugin.ConnectorSpec, resp *interface{}) error {
	return s.Host.AddConnector(context.Background(), spec)
}

func (s *HostRPCServer) Do(req DoRequest, resp *DoResponse) error {
	headers := req.Headers
	var body any
	if len(req.Body) > 0 {
		body = []byte(req.Body)
		if headers == nil {
			headers = map[string]string{}
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}
	out, err := s.Host.Do(context.Background(), req.Connector, plugin.OutboundRequest{
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		resp.Error = err.Error()
		resp.Unavailable = errors.Is(err, plugin.ErrUnavailable)
	}
	if out != nil {
		resp.Status = out.Status
		resp.Headers = out.Headers
		resp.Body = out.Body
	}
	return nil
}

// remoteHost is the plugin-side plugin.Host backed by HostRPCServer.
type remoteHost struct {
	client *rpc.Client
	logger *slog.Logger
}

// dialHost connects to the host API stream. Plugin stderr is captured by
// go-plugin, so the logger writes JSON there.
func dialHost(broker *goplugin.MuxBroker, id uint32, name string) (*remoteHost, error) {
	conn, err := broker.Dial(id)
	if err != nil {
		return nil, fmt.Errorf("dial host api: %w", err)
	}
	return &remoteHost{
		client: rpc.NewClient(conn),
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("plugin", name),
	}, nil
}

func (h *remoteHost) Logger() *slog.Logger { return h.logger }

func (h *remoteHost) Emit(ctx context.Context, topic string, data map[string]any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("encode event data failed", "topic", topic, "error", err)
		return
	}
	var resp interface{}
	if err := h.client.Call("Plugin.Emit", EmitRequest{Topic: topic, Data: encoded}, &resp); err != nil {
		h.logger.Warn("emit failed", "topic", topic, "error", err)
	}
}

func (h *remoteHost) AddConnector(ctx context.Context, spec plugin.ConnectorSpec) error {
	var resp interface{}
	return h.client.Call("Plugin.AddConnector", spec, &resp)
}

func (h *remoteHost) Do(ctx context.Context, connector string, req plugin.OutboundRequest) (*plugin.OutboundResponse, error) {
	var body json.RawMessage
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = encoded
	}

	var resp DoResponse
	err := h.client.Call("Plugin.Do", DoRequest{
		Connector: connector,
		Method:    req.Method,
		Path:      req.Path,
		Query:     req.Query,
		Headers:   req.Headers,
		Body:      body,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("host rpc: %w", err)
	}

	var out *plugin.OutboundResponse
	if resp.Status != 0 {
		out = &plugin.OutboundResponse{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
	}
	switch {
	case resp.Unavailable:
		return out, fmt.Errorf("%w: %s", plugin.ErrUnavailable, resp.Error)
	case resp.Error != "":
		return out, errors.New(resp.Error)
	}
	return out, nil
}

func (h *remoteHost) close() {
	_ = h.client.Close()
}
