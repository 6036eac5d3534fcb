package grpc_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/goatbridge/internal/plugin"
	grpcplugin "github.com/goatkit/goatbridge/internal/plugin/grpc"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

type recordingHost struct {
	mu     sync.Mutex
	topics []string
}

func (h *recordingHost) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *recordingHost) Emit(ctx context.Context, topic string, data map[string]any) {
	h.mu.Lock()
	h.topics = append(h.topics, topic)
	h.mu.Unlock()
}

func (h *recordingHost) AddConnector(ctx context.Context, spec pkgplugin.ConnectorSpec) error {
	return nil
}

func (h *recordingHost) Do(ctx context.Context, connector string, req pkgplugin.OutboundRequest) (*pkgplugin.OutboundResponse, error) {
	return &pkgplugin.OutboundResponse{Status: 200, Body: []byte(`{}`)}, nil
}

func buildEchoPlugin(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds a plugin binary")
	}

	_, filename, _, _ := runtime.Caller(0)
	repoRoot := filepath.Join(filepath.Dir(filename), "..", "..", "..")

	dir := t.TempDir()
	pluginPath := filepath.Join(dir, "echo")
	if runtime.GOOS == "windows" {
		pluginPath += ".exe"
	}

	cmd := exec.Command("go", "build", "-o", pluginPath, "./internal/plugin/grpc/example")
	cmd.Dir = repoRoot
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build echo plugin: %s", output)

	return pluginPath
}

func manifestAt(path, name string) plugin.Manifest {
	return plugin.Manifest{
		Name:       name,
		Version:    "1.0.0",
		EntryPoint: "echo:plugin",
		Path:       filepath.Join(filepath.Dir(path), pkgplugin.ManifestFile),
	}
}

func TestLoadProcessPlugin(t *testing.T) {
	pluginPath := buildEchoPlugin(t)
	ctx := context.Background()

	p, err := grpcplugin.Load(ctx, grpcplugin.Options{Manifest: manifestAt(pluginPath, "echo"), Path: pluginPath})
	require.NoError(t, err)
	defer p.Kill()

	info := p.Info()
	assert.Equal(t, "echo", info.Name)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Len(t, info.Routes, 3)
	assert.ElementsMatch(t, []string{"router", "startup", "shutdown", "health_check"}, p.Capabilities())

	host := &recordingHost{}
	require.NoError(t, p.Startup(ctx, host))

	resp, err := p.Call(ctx, "ping", &pkgplugin.Request{Method: "GET", Path: "/echo/ping"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"status":"pong"}`, string(resp.Body))

	_, err = p.Call(ctx, "nonexistent", &pkgplugin.Request{})
	assert.Error(t, err)

	h, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, pkgplugin.HealthHealthy, h.Status)

	host.mu.Lock()
	assert.Contains(t, host.topics, "echo.started")
	host.mu.Unlock()

	require.NoError(t, p.Shutdown(ctx))
	assert.True(t, p.Exited())
	_, err = p.HealthCheck(ctx)
	assert.ErrorIs(t, err, grpcplugin.ErrExited)
}

func TestLoadProcessPluginNameMismatch(t *testing.T) {
	pluginPath := buildEchoPlugin(t)

	_, err := grpcplugin.Load(context.Background(), grpcplugin.Options{Manifest: manifestAt(pluginPath, "other"), Path: pluginPath})
	var le *plugin.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "other", le.Plugin)
}

func TestLoadProcessPluginUnknownSymbol(t *testing.T) {
	pluginPath := buildEchoPlugin(t)

	_, err := grpcplugin.Load(context.Background(), grpcplugin.Options{
		Manifest: manifestAt(pluginPath, "echo"),
		Path:     pluginPath,
		Symbol:   "Missing",
	})
	assert.ErrorIs(t, err, plugin.ErrLoad)
}

func TestLoadProcessPluginInvalidPath(t *testing.T) {
	_, err := grpcplugin.Load(context.Background(), grpcplugin.Options{
		Manifest: manifestAt("/nonexistent/echo", "echo"),
		Path:     "/nonexistent/echo",
	})
	assert.ErrorIs(t, err, plugin.ErrLoad)
}

func TestLoadProcessPluginNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-plugin")
	require.NoError(t, os.WriteFile(path, []byte("not executable"), 0o644))

	_, err := grpcplugin.Load(context.Background(), grpcplugin.Options{Manifest: manifestAt(path, "echo"), Path: path})
	assert.ErrorIs(t, err, plugin.ErrLoad)
}
