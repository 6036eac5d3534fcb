package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/goatbridge/pkg/plugin"
)

func TestEchoPluginInfo(t *testing.T) {
	info := (&EchoPlugin{}).Info()
	assert.Equal(t, "echo", info.Name)
	assert.Equal(t, "1.0.0", info.Version)
	assert.NotEmpty(t, info.Description)
	require.Len(t, info.Routes, 3)
	assert.Equal(t, "/ping", info.Routes[0].Path)
}

func TestEchoPluginCall(t *testing.T) {
	ctx := context.Background()
	p := &EchoPlugin{}

	resp, err := p.Call(ctx, "ping", &plugin.Request{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"status":"pong"}`, string(resp.Body))

	body := json.RawMessage(`{"hello":"world"}`)
	resp, err = p.Call(ctx, "echo", &plugin.Request{Body: body})
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(resp.Body))

	resp, err = p.Call(ctx, "proxy", &plugin.Request{Params: map[string]string{"connector": "x"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	_, err = p.Call(ctx, "nope", &plugin.Request{})
	assert.Error(t, err)

	h, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthHealthy, h.Status)
	assert.Equal(t, int64(4), h.Details["calls"])
}
