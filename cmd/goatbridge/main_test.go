package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/goatkit/goatbridge/internal/apierrors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	r := gin.New()
	srv := httptest.NewUnstartedServer(r)

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "running", "version": "0.9.0", "pid": 77, "uptime_seconds": 61.5, "idle_seconds": 3,
			"plugins":       1,
			"connectors":    gin.H{"status": "healthy", "connectors": gin.H{}},
			"plugin_health": gin.H{"demo": gin.H{"status": "healthy"}},
		})
	})
	r.GET("/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": []gin.H{{"name": "demo", "version": "1.0.0", "started": true, "routes": []gin.H{{"path": "/hello"}}}}})
	})
	r.GET("/connectors", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "degraded", "connectors": gin.H{
			"wiki": gin.H{"name": "wiki", "healthy": false, "circuit_state": "open", "failure_count": 5, "base_url": "http://wiki"},
			"jira": gin.H{"name": "jira", "healthy": true, "circuit_state": "closed", "base_url": "http://jira"},
		}})
	})
	r.POST("/connectors/:name/reconnect", func(c *gin.Context) {
		apierrors.Error(c, apierrors.CodeConnectorNotFound)
	})
	r.POST("/reload-plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "result": gin.H{"added": []string{"new"}, "removed": []string{}, "reloaded": []string{"demo"}, "failed": gin.H{}}})
	})
	r.POST("/shutdown", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
		go srv.Close()
	})

	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func pointAt(t *testing.T, addr string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	t.Setenv("GOATBRIDGE_HOST", host)
	t.Setenv("GOATBRIDGE_PORT", port)
	t.Setenv("GOATBRIDGE_RUNTIME_DIR", t.TempDir())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusText(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "goatbridge 0.9.0 running (pid 77)")
	assert.Contains(t, out, "uptime:     1m1s")
	assert.Contains(t, out, "demo")
}

func TestStatusNotRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	pointAt(t, addr)

	_, err = run(t, "status")
	assert.ErrorContains(t, err, "not running")

	out, err := run(t, "stop")
	require.NoError(t, err)
	assert.Equal(t, "goatbridge is not running\n", out)
}

func TestPluginsJSON(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "--no-start", "plugins", "-o", "json")
	require.NoError(t, err)
	var body struct {
		Plugins []struct {
			Name string `json:"name"`
		} `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "demo", body.Plugins[0].Name)
}

func TestConnectorsYAMLAndText(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "--no-start", "connectors", "-o", "yaml")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, out, "circuit_state: open")

	out, err = run(t, "--no-start", "connectors")
	require.NoError(t, err)
	assert.Contains(t, out, "overall: degraded")
	assert.Less(t, bytes.Index([]byte(out), []byte("jira")), bytes.Index([]byte(out), []byte("wiki")))
}

func TestReloadAndReconnect(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "--no-start", "reload")
	require.NoError(t, err)
	assert.Equal(t, "ok: added [new] removed [] reloaded [demo]\n", out)

	_, err = run(t, "--no-start", "reconnect", "nope")
	assert.ErrorContains(t, err, apierrors.CodeConnectorNotFound)

	_, err = run(t, "--no-start", "reconnect")
	assert.Error(t, err, "connector name is required")
}

func TestStop(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "stop")
	require.NoError(t, err)
	assert.Equal(t, "goatbridge stopped\n", out)
}

func TestStartAlreadyRunning(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())

	out, err := run(t, "start")
	require.NoError(t, err)
	assert.Contains(t, out, "already running")
}

func TestUnknownOutputFormat(t *testing.T) {
	pointAt(t, fakeDaemon(t).Listener.Addr().String())
	_, err := run(t, "status", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
