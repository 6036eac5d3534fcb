package loader_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/goatbridge/internal/events"
	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// journal records lifecycle steps across plugin instances and the mounter.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
}

func (j *journal) take() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.entries
	j.entries = nil
	return out
}

type trackedPlugin struct {
	name       string
	generation int
	journal    *journal
	failStart  bool
}

func (p *trackedPlugin) Info() plugin.Info {
	return plugin.Info{
		Name:        p.name,
		Version:     fmt.Sprintf("1.0.%d", p.generation),
		Description: "reload fixture",
		Routes:      []plugin.RouteSpec{{Method: "GET", Path: "/ping", Handler: "ping"}},
	}
}

func (p *trackedPlugin) Startup(ctx context.Context, host pkgplugin.Host) error {
	p.journal.add("start %s#%d", p.name, p.generation)
	if p.failStart {
		return fmt.Errorf("refusing to start")
	}
	return nil
}

func (p *trackedPlugin) Shutdown(ctx context.Context) error {
	p.journal.add("stop %s#%d", p.name, p.generation)
	return nil
}

func (p *trackedPlugin) HealthCheck(ctx context.Context) (plugin.Health, error) {
	return plugin.Health{Status: "healthy"}, nil
}

func (p *trackedPlugin) Call(ctx context.Context, handler string, req *plugin.Request) (*plugin.Response, error) {
	return pkgplugin.JSON(200, map[string]string{"pong": p.name})
}

type fakeMounter struct {
	mu      sync.Mutex
	mounted map[string][]plugin.RouteSpec
	journal *journal
}

func (m *fakeMounter) Mount(name string, routes []plugin.RouteSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.mounted[name]; dup {
		return fmt.Errorf("prefix /%s already mounted", name)
	}
	m.mounted[name] = routes
	m.journal.add("mount %s", name)
	return nil
}

func (m *fakeMounter) Unmount(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mounted[name]; ok {
		m.journal.add("unmount %s", name)
	}
	delete(m.mounted, name)
}

func (m *fakeMounter) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for n := range m.mounted {
		out = append(out, n)
	}
	return out
}

type reloaderFixture struct {
	root     string
	registry *plugin.Registry
	mounter  *fakeMounter
	journal  *journal
	reloader *loader.Reloader
	bus      *events.Bus
	topics   chan string

	mu          sync.Mutex
	generations map[string]int
	failStart   map[string]bool
}

func newReloaderFixture(t *testing.T, names ...string) *reloaderFixture {
	t.Helper()
	f := &reloaderFixture{
		root:        t.TempDir(),
		journal:     &journal{},
		topics:      make(chan string, 64),
		generations: map[string]int{},
		failStart:   map[string]bool{},
	}
	f.registry = plugin.NewRegistry(plugin.WithLogger(quietLogger()))
	f.mounter = &fakeMounter{mounted: map[string][]plugin.RouteSpec{}, journal: f.journal}
	f.bus = events.NewBus(quietLogger())
	f.bus.On(func(ctx context.Context, e events.Event) error {
		f.topics <- e.Topic + " " + fmt.Sprint(e.Data["name"])
		return nil
	}, events.Source(loader.EventSource), events.Topic("plugin.*"))

	builtins := map[string]pkgplugin.Factory{}
	for _, name := range names {
		name := name
		builtins[name+":New"] = func() pkgplugin.Plugin {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.generations[name]++
			return &trackedPlugin{
				name:       name,
				generation: f.generations[name],
				journal:    f.journal,
				failStart:  f.failStart[name],
			}
		}
	}

	f.reloader = loader.NewReloader(loader.ReloaderConfig{
		Roots:    []string{f.root},
		Loader:   loader.NewLoader(quietLogger(), loader.WithBuiltins(builtins)),
		Registry: f.registry,
		Mounter:  f.mounter,
		Events:   f.bus,
		Debounce: 50 * time.Millisecond,
		Logger:   quietLogger(),
	})
	return f
}

func (f *reloaderFixture) write(t *testing.T, name, version string) string {
	t.Helper()
	return writeManifest(t, filepath.Join(f.root, name),
		fmt.Sprintf(`{"name":%q,"version":%q,"entry_point":"%s:New"}`, name, version, name))
}

func (f *reloaderFixture) drainTopics() []string {
	f.bus.Wait()
	var out []string
	for {
		select {
		case topic := <-f.topics:
			out = append(out, topic)
		default:
			return out
		}
	}
}

func TestReloaderBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha", "beta")
	f.write(t, "alpha", "1")
	f.write(t, "beta", "1")
	writeManifest(t, filepath.Join(f.root, "ghost"), `{"name":"ghost","version":"1","entry_point":"ghost:New"}`)

	res := f.reloader.Bootstrap(ctx)
	assert.Equal(t, []string{"alpha", "beta"}, res.Added)
	assert.Contains(t, res.Failed, "ghost")

	assert.True(t, f.registry.IsStarted("alpha"))
	assert.True(t, f.registry.IsStarted("beta"))
	assert.ElementsMatch(t, []string{"alpha", "beta"}, f.mounter.names())

	// Every discovered manifest is tracked, including the one that failed.
	assert.Equal(t, []string{"alpha", "beta", "ghost"}, f.reloader.Tracker().Names())
	assert.ElementsMatch(t, []string{"plugin.loaded alpha", "plugin.loaded beta", "plugin.load_failed ghost"}, f.drainTopics())
}

func TestReloaderSweepUnchangedContentIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha")
	path := f.write(t, "alpha", "1")
	f.reloader.Bootstrap(ctx)
	f.journal.take()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	now := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, now, now))

	res := f.reloader.Sweep(ctx)
	assert.False(t, res.Changed())
	assert.Empty(t, f.journal.take())
}

func TestReloaderSweepChangedContentReloadsOnce(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha", "beta")
	f.write(t, "alpha", "1")
	f.write(t, "beta", "1")
	f.reloader.Bootstrap(ctx)
	f.journal.take()
	f.drainTopics()

	f.write(t, "alpha", "2")
	res := f.reloader.Sweep(ctx)
	assert.Equal(t, []string{"alpha"}, res.Reloaded)
	assert.Empty(t, res.Failed)

	assert.Equal(t, []string{
		"stop alpha#1",
		"unmount alpha",
		"mount alpha",
		"start alpha#2",
	}, f.journal.take())
	assert.ElementsMatch(t, []string{"alpha", "beta"}, f.mounter.names())

	s, ok := f.registry.Describe("alpha")
	require.True(t, ok)
	assert.Equal(t, "1.0.2", s.Version)
	assert.True(t, s.Started)
	assert.Equal(t, []string{"plugin.reloaded alpha"}, f.drainTopics())

	// A second sweep without edits does nothing.
	assert.False(t, f.reloader.Sweep(ctx).Changed())
}

func TestReloaderSweepAddAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha", "beta")
	f.write(t, "alpha", "1")
	f.reloader.Bootstrap(ctx)
	f.journal.take()
	f.drainTopics()

	f.write(t, "beta", "1")
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "alpha")))

	res := f.reloader.Sweep(ctx)
	assert.Equal(t, []string{"beta"}, res.Added)
	assert.Equal(t, []string{"alpha"}, res.Removed)

	assert.Equal(t, []string{
		"stop alpha#1",
		"unmount alpha",
		"mount beta",
		"start beta#1",
	}, f.journal.take())

	_, ok := f.registry.Get("alpha")
	assert.False(t, ok)
	assert.True(t, f.registry.IsStarted("beta"))
	assert.Equal(t, []string{"beta"}, f.reloader.Tracker().Names())
	assert.ElementsMatch(t, []string{"plugin.unloaded alpha", "plugin.loaded beta"}, f.drainTopics())
}

func TestReloaderFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha", "beta")
	f.write(t, "alpha", "1")
	f.write(t, "beta", "1")
	f.reloader.Bootstrap(ctx)

	f.mu.Lock()
	f.failStart["alpha"] = true
	f.mu.Unlock()
	f.write(t, "alpha", "2")
	f.write(t, "beta", "2")

	res := f.reloader.Sweep(ctx)
	assert.Contains(t, res.Failed, "alpha")
	assert.Equal(t, []string{"beta"}, res.Reloaded)
	assert.True(t, f.registry.IsStarted("beta"))
	assert.False(t, f.registry.IsStarted("alpha"))
}

func TestReloaderReloadAll(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha", "beta")
	f.write(t, "alpha", "1")
	f.reloader.Bootstrap(ctx)
	f.journal.take()

	f.write(t, "beta", "1")
	res := f.reloader.ReloadAll(ctx)
	assert.Equal(t, []string{"alpha"}, res.Reloaded)
	assert.Equal(t, []string{"beta"}, res.Added)

	s, _ := f.registry.Describe("alpha")
	assert.Equal(t, "1.0.2", s.Version, "reloaded despite unchanged manifest")
}

func TestReloaderReloadOne(t *testing.T) {
	ctx := context.Background()
	f := newReloaderFixture(t, "alpha")
	f.write(t, "alpha", "1")
	f.reloader.Bootstrap(ctx)

	require.NoError(t, f.reloader.ReloadOne(ctx, "alpha"))
	s, _ := f.registry.Describe("alpha")
	assert.Equal(t, "1.0.2", s.Version)

	err := f.reloader.ReloadOne(ctx, "missing")
	assert.ErrorIs(t, err, loader.ErrUnknownPlugin)

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "alpha")))
	assert.ErrorIs(t, f.reloader.ReloadOne(ctx, "alpha"), loader.ErrUnknownPlugin)
	_, ok := f.registry.Get("alpha")
	assert.False(t, ok)
	assert.Empty(t, f.reloader.Snapshot())
}

func TestReloaderWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newReloaderFixture(t, "alpha")
	f.reloader.Bootstrap(ctx)
	require.NoError(t, f.reloader.Watch(ctx))

	f.write(t, "alpha", "1")
	require.Eventually(t, func() bool {
		return f.registry.IsStarted("alpha")
	}, 5*time.Second, 20*time.Millisecond)

	_, res := f.reloader.LastSweep()
	assert.Equal(t, []string{"alpha"}, res.Added)
}

func TestReloaderWatchWithoutRoots(t *testing.T) {
	r := loader.NewReloader(loader.ReloaderConfig{Roots: []string{"/nonexistent/plugins"}, Logger: quietLogger()})
	assert.Error(t, r.Watch(context.Background()))
}
