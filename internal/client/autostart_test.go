//go:build unix

package client

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestEnsureRunning_AlreadyUp(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := New(srv.URL)

	started, err := c.EnsureRunning(context.Background(), StartOptions{Executable: "/nonexistent"})
	require.NoError(t, err)
	assert.False(t, started)
}

func TestEnsureRunning_SpawnsAndWaits(t *testing.T) {
	addr := freeAddr(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "spawned")
	logFile := filepath.Join(dir, "logs", "daemon.log")

	// The spawned child only leaves a marker; the test plays the daemon by
	// listening once the marker shows up.
	go func() {
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(marker); err == nil {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return
				}
				srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
				})}
				t.Cleanup(func() { srv.Close() })
				srv.Serve(ln)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	c := New("http://"+addr, WithTimeout(time.Second))
	started, err := c.EnsureRunning(context.Background(), StartOptions{
		Executable:   "/bin/sh",
		Args:         []string{"-c", `echo starting; touch "$MARKER"`},
		Env:          []string{"MARKER=" + marker},
		LogFile:      logFile,
		PollInterval: 20 * time.Millisecond,
		StartTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, started)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logFile)
		return err == nil && string(data) == "starting\n"
	}, time.Second, 10*time.Millisecond)
}

func TestEnsureRunning_Timeout(t *testing.T) {
	c := New("http://"+freeAddr(t), WithTimeout(200*time.Millisecond))
	started, err := c.EnsureRunning(context.Background(), StartOptions{
		Executable:   "/bin/sh",
		Args:         []string{"-c", "exit 0"},
		PollInterval: 20 * time.Millisecond,
		StartTimeout: 150 * time.Millisecond,
	})
	assert.True(t, started)
	assert.EqualError(t, err, "daemon did not become ready within 150ms")
}

func TestEnsureRunning_SpawnFailure(t *testing.T) {
	c := New("http://"+freeAddr(t), WithTimeout(200*time.Millisecond))
	started, err := c.EnsureRunning(context.Background(), StartOptions{Executable: filepath.Join(t.TempDir(), "missing")})
	assert.False(t, started)
	assert.ErrorContains(t, err, "start daemon")
}
