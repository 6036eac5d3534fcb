package loader_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, pkgplugin.ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseManifest(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "valid",
			content: `{"name":"demo","version":"1.0.0","entry_point":"demo:DemoPlugin","dependencies":["requests>=2"],"cli":{"command":"demo"}}`,
		},
		{
			name:    "missing version",
			content: `{"name":"demo","entry_point":"demo:DemoPlugin"}`,
			wantErr: "version",
		},
		{
			name:    "bad syntax",
			content: `{"name":"demo",`,
			wantErr: "manifest",
		},
		{
			name:    "bad name",
			content: `{"name":"Demo Plugin","version":"1","entry_point":"demo"}`,
			wantErr: "name",
		},
		{
			name:    "dependencies not strings",
			content: `{"name":"demo","version":"1","entry_point":"demo","dependencies":[1]}`,
			wantErr: "dependencies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, filepath.Join(dir, tt.name), tt.content)
			m, hash, err := loader.ParseManifest(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, loader.ErrManifest)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "demo", m.Name)
			assert.Equal(t, "1.0.0", m.Version)
			assert.Equal(t, []string{"requests>=2"}, m.Dependencies)
			require.NotNil(t, m.CLI)
			assert.Equal(t, "demo", m.CLI.Command)
			assert.True(t, filepath.IsAbs(m.Path))
			assert.Len(t, hash, 64)
		})
	}
}

func TestDiscover(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	writeManifest(t, filepath.Join(rootA, "alpha"), `{"name":"alpha","version":"1","entry_point":"alpha:New"}`)
	writeManifest(t, filepath.Join(rootA, "nested", "deep", "beta"), `{"name":"beta","version":"1","entry_point":"beta:New"}`)
	writeManifest(t, filepath.Join(rootA, "broken"), `{"name":"demo","entry_point":"demo:DemoPlugin"}`)
	writeManifest(t, filepath.Join(rootA, ".hidden"), `{"name":"hidden","version":"1","entry_point":"h:New"}`)
	writeManifest(t, filepath.Join(rootB, "alpha"), `{"name":"alpha","version":"2","entry_point":"alpha:New"}`)

	found := loader.Discover([]string{rootA, rootB, filepath.Join(rootB, "missing")}, quietLogger())

	assert.Len(t, found, 2)
	assert.Contains(t, found, "alpha")
	assert.Contains(t, found, "beta")
	assert.NotContains(t, found, "demo", "manifest without version is skipped")
	assert.NotContains(t, found, "hidden")
	assert.Equal(t, "1", found["alpha"].Manifest.Version, "first discovered wins")
}

func TestDiscoverHashIsContentBased(t *testing.T) {
	root := t.TempDir()
	content := `{"name":"alpha","version":"1","entry_point":"alpha:New"}`
	path := writeManifest(t, filepath.Join(root, "alpha"), content)

	first := loader.Discover([]string{root}, quietLogger())["alpha"].Hash
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	assert.Equal(t, first, loader.Discover([]string{root}, quietLogger())["alpha"].Hash)

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"alpha","version":"2","entry_point":"alpha:New"}`), 0o644))
	assert.NotEqual(t, first, loader.Discover([]string{root}, quietLogger())["alpha"].Hash)
}

func TestResolveExecutable(t *testing.T) {
	makeExec := func(t *testing.T, path string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	}

	t.Run("package layout first", func(t *testing.T) {
		dir := t.TempDir()
		makeExec(t, filepath.Join(dir, "svc", "svc"))
		makeExec(t, filepath.Join(dir, "src", "svc"))
		got, err := loader.ResolveExecutable(dir, "svc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc", "svc"), got)
	})

	t.Run("src layout", func(t *testing.T) {
		dir := t.TempDir()
		makeExec(t, filepath.Join(dir, "src", "svc"))
		makeExec(t, filepath.Join(dir, "svc"))
		got, err := loader.ResolveExecutable(dir, "svc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "src", "svc"), got)
	})

	t.Run("plugin root fallback", func(t *testing.T) {
		dir := t.TempDir()
		makeExec(t, filepath.Join(dir, "svc"))
		got, err := loader.ResolveExecutable(dir, "svc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc"), got)
	})

	t.Run("executable beside the manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, `{"name":"echo","version":"1","entry_point":"echo:plugin"}`)
		makeExec(t, filepath.Join(dir, "echo"))
		got, err := loader.ResolveExecutable(dir, "echo")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "echo"), got)
	})

	t.Run("src layout with a root file of the same name", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "svc"), []byte("notes"), 0o644))
		makeExec(t, filepath.Join(dir, "src", "svc"))
		got, err := loader.ResolveExecutable(dir, "svc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "src", "svc"), got)
	})

	t.Run("not executable", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "svc"), []byte("x"), 0o644))
		_, err := loader.ResolveExecutable(dir, "svc")
		assert.ErrorIs(t, err, loader.ErrNoExecutable)
	})

	t.Run("path traversal", func(t *testing.T) {
		_, err := loader.ResolveExecutable(t.TempDir(), "../svc")
		assert.Error(t, err)
	})
}

type namedPlugin struct {
	name    string
	version string
}

func (p *namedPlugin) Info() plugin.Info {
	return plugin.Info{Name: p.name, Version: p.version, Description: "loader fixture"}
}
func (p *namedPlugin) Startup(ctx context.Context, host pkgplugin.Host) error { return nil }
func (p *namedPlugin) Shutdown(ctx context.Context) error { return nil }
func (p *namedPlugin) HealthCheck(ctx context.Context) (plugin.Health, error) {
	return plugin.Health{Status: "healthy"}, nil
}
func (p *namedPlugin) Call(ctx context.Context, handler string, req *plugin.Request) (*plugin.Response, error) {
	return nil, nil
}

func TestLoaderLoad(t *testing.T) {
	ctx := context.Background()
	l := loader.NewLoader(quietLogger(), loader.WithBuiltins(map[string]pkgplugin.Factory{
		"good:New":    func() pkgplugin.Plugin { return &namedPlugin{name: "good", version: "1"} },
		"noversion:N": func() pkgplugin.Plugin { return &namedPlugin{name: "noversion"} },
		"nil:New":     func() pkgplugin.Plugin { return nil },
		"panic:New":   func() pkgplugin.Plugin { panic("boom") },
	}))

	manifest := func(name, entry string) plugin.Manifest {
		return plugin.Manifest{Name: name, Version: "1", EntryPoint: entry, Path: filepath.Join(t.TempDir(), "plugin.json")}
	}

	p, err := l.Load(ctx, manifest("good", "good:New"))
	require.NoError(t, err)
	assert.Equal(t, "good", p.Info().Name)
	assert.True(t, l.Builtin("good:New"))

	_, err = l.Load(ctx, manifest("noversion", "noversion:N"))
	var le *plugin.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, []string{"version"}, le.Missing)

	for _, entry := range []string{"nil:New", "panic:New"} {
		_, err = l.Load(ctx, manifest("x", entry))
		assert.ErrorIs(t, err, plugin.ErrLoad, entry)
	}

	_, err = l.Load(ctx, manifest("health", "good:New"))
	assert.ErrorContains(t, err, "reserved")

	m := manifest("good", "good:New")
	m.BridgeAPI = "2.0"
	_, err = l.Load(ctx, m)
	assert.ErrorContains(t, err, "bridge_api")

	m.BridgeAPI = "1.3"
	_, err = l.Load(ctx, m)
	assert.NoError(t, err)

	_, err = l.Load(ctx, manifest("ext", "ext:plugin"))
	assert.ErrorIs(t, err, loader.ErrNoExecutable)
	assert.ErrorIs(t, err, plugin.ErrLoad)
}
