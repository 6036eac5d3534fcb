package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goatkit/goatbridge/internal/plugin"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// Reloader defaults.
const (
	DefaultReloadInterval = 5 * time.Second
	DefaultDebounce       = 500 * time.Millisecond
)

// EventSource is the source of reloader events.
const EventSource = "bridge"

// Reloader event topics.
const (
	TopicLoaded     = "plugin.loaded"
	TopicUnloaded   = "plugin.unloaded"
	TopicReloaded   = "plugin.reloaded"
	TopicLoadFailed = "plugin.load_failed"
)

// Mounter exposes plugin routes under /{name}.
type Mounter interface {
	Mount(name string, routes []plugin.RouteSpec) error
	// Unmount removes every route under the plugin prefix.
	Unmount(name string)
}

// EventSink receives reloader events.
type EventSink interface {
	EmitAsync(ctx context.Context, source, topic string, data map[string]any, intent string)
}

// killer is implemented by process plugins; it discards the process without
// going through the plugin's Shutdown hook.
type killer interface {
	Kill()
}

// ReloaderConfig wires a Reloader.
type ReloaderConfig struct {
	Roots    []string
	Loader   *Loader
	Registry *plugin.Registry
	Mounter  Mounter
	// Deps is optional; nil skips dependency syncing.
	Deps *DepsSyncer
	// Events is optional.
	Events EventSink
	// Interval between periodic sweeps; 0 disables them.
	Interval time.Duration
	// Debounce for filesystem triggered sweeps.
	Debounce time.Duration
	Logger   *slog.Logger
}

// SweepResult lists what one pass did. Failed maps names to errors.
type SweepResult struct {
	Added    []string          `json:"added"`
	Removed  []string          `json:"removed"`
	Reloaded []string          `json:"reloaded"`
	Failed   map[string]string `json:"failed"`
}

func newSweepResult() SweepResult {
	return SweepResult{
		Added:    []string{},
		Removed:  []string{},
		Reloaded: []string{},
		Failed:   map[string]string{},
	}
}

func (r *SweepResult) fail(name string, err error) {
	r.Failed[name] = err.Error()
}

// Changed reports whether the pass touched anything.
func (r SweepResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Reloaded)+len(r.Failed) > 0
}

// Reloader keeps the plugin registry and mounted routes in step with the
// manifests on disk. Passes are serialized.
type Reloader struct {
	cfg     ReloaderConfig
	logger  *slog.Logger
	tracker *Tracker
	metrics *reloaderMetrics

	sweepMu sync.Mutex

	mu        sync.RWMutex
	lastSweep time.Time
	last      SweepResult
	now       func() time.Time
}

// NewReloader creates a reloader with an empty tracker.
func NewReloader(cfg ReloaderConfig) *Reloader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Reloader{
		cfg:     cfg,
		logger:  logger,
		tracker: NewTracker(),
		metrics: globalMetrics(),
		last:    newSweepResult(),
		now:     time.Now,
	}
}

// Tracker exposes the manifest snapshot.
func (r *Reloader) Tracker() *Tracker { return r.tracker }

// Snapshot returns tracked names and content hashes.
func (r *Reloader) Snapshot() map[string]string { return r.tracker.Snapshot() }

// LastSweep returns the time and result of the latest pass.
func (r *Reloader) LastSweep() (time.Time, SweepResult) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSweep, r.last
}

func (r *Reloader) discover() map[string]Discovered {
	return Discover(r.cfg.Roots, r.logger)
}

// Bootstrap loads every discovered plugin and starts them concurrently. It
// is the initial pass at daemon startup.
func (r *Reloader) Bootstrap(ctx context.Context) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	current := r.discover()
	result := newSweepResult()
	r.syncDeps(ctx, current, false)

	names := sortedNames(current)
	var loaded []string
	for _, name := range names {
		disc := current[name]
		r.tracker.Track(disc)
		if err := r.install(ctx, disc.Manifest); err != nil {
			r.reportFailure(ctx, &result, name, "add", err)
			continue
		}
		loaded = append(loaded, name)
	}

	started := r.cfg.Registry.StartupAll(ctx)
	for _, name := range loaded {
		if !started[name] {
			r.reportFailure(ctx, &result, name, "add", errors.New("startup failed"))
			continue
		}
		r.metrics.operation("add", nil)
		result.Added = append(result.Added, name)
		r.emit(ctx, TopicLoaded, r.eventData(name))
	}
	r.finish(result)
	return result
}

// Sweep rediscovers manifests and applies adds, removals and content
// changes. Per-plugin failures are recorded and do not stop the pass.
func (r *Reloader) Sweep(ctx context.Context) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	r.metrics.sweeps.Inc()
	current := r.discover()
	diff := r.tracker.Diff(current)
	result := newSweepResult()
	if diff.Empty() {
		r.finish(result)
		return result
	}

	needDeps := len(diff.Removed) > 0
	for _, name := range diff.Added {
		if len(current[name].Manifest.Dependencies) > 0 {
			needDeps = true
		}
	}
	for _, name := range diff.Changed {
		if r.tracker.DepsChanged(current[name]) {
			needDeps = true
		}
	}

	for _, name := range diff.Removed {
		r.remove(ctx, name)
		r.metrics.operation("remove", nil)
		result.Removed = append(result.Removed, name)
	}

	if needDeps {
		r.syncDeps(ctx, current, false)
	}

	for _, name := range diff.Added {
		disc := current[name]
		r.tracker.Track(disc)
		if err := r.add(ctx, disc.Manifest); err != nil {
			r.reportFailure(ctx, &result, name, "add", err)
			continue
		}
		r.metrics.operation("add", nil)
		result.Added = append(result.Added, name)
	}

	for _, name := range diff.Changed {
		disc := current[name]
		r.tracker.Track(disc)
		if err := r.reload(ctx, disc.Manifest); err != nil {
			r.reportFailure(ctx, &result, name, "reload", err)
			continue
		}
		r.metrics.operation("reload", nil)
		result.Reloaded = append(result.Reloaded, name)
	}

	r.finish(result)
	return result
}

// ReloadAll forces a dependency sync and reloads every discovered plugin
// regardless of content hashes.
func (r *Reloader) ReloadAll(ctx context.Context) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	r.metrics.sweeps.Inc()
	current := r.discover()
	diff := r.tracker.Diff(current)
	result := newSweepResult()

	for _, name := range diff.Removed {
		r.remove(ctx, name)
		r.metrics.operation("remove", nil)
		result.Removed = append(result.Removed, name)
	}

	r.syncDeps(ctx, current, true)

	for _, name := range sortedNames(current) {
		disc := current[name]
		_, tracked := r.tracker.Hash(name)
		r.tracker.Track(disc)

		if !tracked {
			if err := r.add(ctx, disc.Manifest); err != nil {
				r.reportFailure(ctx, &result, name, "add", err)
				continue
			}
			r.metrics.operation("add", nil)
			result.Added = append(result.Added, name)
			continue
		}
		if err := r.reload(ctx, disc.Manifest); err != nil {
			r.reportFailure(ctx, &result, name, "reload", err)
			continue
		}
		r.metrics.operation("reload", nil)
		result.Reloaded = append(result.Reloaded, name)
	}

	r.finish(result)
	return result
}

// ErrUnknownPlugin is returned by ReloadOne when no manifest has the name.
var ErrUnknownPlugin = errors.New("no manifest for plugin")

// ReloadOne reloads a single plugin from its current manifest. A manifest
// that disappeared unloads the plugin and returns ErrUnknownPlugin.
func (r *Reloader) ReloadOne(ctx context.Context, name string) error {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	current := r.discover()
	disc, ok := current[name]
	if !ok {
		if _, tracked := r.tracker.Hash(name); tracked {
			r.remove(ctx, name)
			r.metrics.operation("remove", nil)
		}
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	if r.tracker.DepsChanged(disc) {
		r.syncDeps(ctx, current, false)
	}
	_, tracked := r.tracker.Hash(name)
	r.tracker.Track(disc)

	op, apply := "reload", r.reload
	if !tracked {
		op, apply = "add", r.add
	}
	err := apply(ctx, disc.Manifest)
	r.metrics.operation(op, err)
	if err != nil {
		r.logger.Error("plugin "+op+" failed", "plugin", name, "error", err)
		r.emit(ctx, TopicLoadFailed, map[string]any{"name": name, "error": err.Error()})
	}
	r.metrics.tracked.Set(float64(len(r.tracker.Names())))
	return err
}

// install loads, registers and mounts without starting.
func (r *Reloader) install(ctx context.Context, m plugin.Manifest) error {
	p, err := r.cfg.Loader.Load(ctx, m)
	if err != nil {
		return err
	}
	if err := r.cfg.Registry.Register(p, m); err != nil {
		discard(ctx, p)
		return err
	}
	if err := r.cfg.Mounter.Mount(m.Name, p.Info().Routes); err != nil {
		_ = r.cfg.Registry.Unregister(ctx, m.Name)
		discard(ctx, p)
		return fmt.Errorf("mount routes: %w", err)
	}
	return nil
}

func (r *Reloader) add(ctx context.Context, m plugin.Manifest) error {
	if err := r.install(ctx, m); err != nil {
		return err
	}
	if !r.cfg.Registry.Startup(ctx, m.Name) {
		return errors.New("startup failed")
	}
	r.emit(ctx, TopicLoaded, r.eventData(m.Name))
	return nil
}

// remove stops, unmounts, unregisters and untracks a plugin.
func (r *Reloader) remove(ctx context.Context, name string) {
	p, registered := r.cfg.Registry.Get(name)
	r.cfg.Registry.Shutdown(ctx, name)
	r.cfg.Mounter.Unmount(name)
	if registered {
		_ = r.cfg.Registry.Unregister(ctx, name)
		evict(p)
	}
	r.tracker.Untrack(name)
	r.logger.Info("plugin unloaded", "plugin", name)
	r.emit(ctx, TopicUnloaded, map[string]any{"name": name})
}

// reload replaces a plugin. The old instance is stopped and unmounted before
// the new one is mounted and started, so no two instances share a prefix.
func (r *Reloader) reload(ctx context.Context, m plugin.Manifest) error {
	name := m.Name
	if old, ok := r.cfg.Registry.Get(name); ok {
		r.cfg.Registry.Shutdown(ctx, name)
		r.cfg.Mounter.Unmount(name)
		_ = r.cfg.Registry.Unregister(ctx, name)
		evict(old)
	} else {
		r.cfg.Mounter.Unmount(name)
	}

	if err := r.install(ctx, m); err != nil {
		return err
	}
	if !r.cfg.Registry.Startup(ctx, name) {
		return errors.New("startup failed")
	}
	r.logger.Info("plugin reloaded", "plugin", name)
	r.emit(ctx, TopicReloaded, r.eventData(name))
	return nil
}

func evict(p plugin.Plugin) {
	if k, ok := p.(killer); ok {
		k.Kill()
	}
}

// discard drops an instance that never got registered.
func discard(ctx context.Context, p plugin.Plugin) {
	_ = p.Shutdown(ctx)
	evict(p)
}

func (r *Reloader) syncDeps(ctx context.Context, current map[string]Discovered, force bool) {
	if r.cfg.Deps == nil {
		return
	}
	ran, err := r.cfg.Deps.Sync(ctx, Requirements(current), force)
	if ran || err != nil {
		r.metrics.depsSync(err)
	}
	if err != nil {
		r.logger.Error("dependency sync failed", "error", err)
	}
}

func (r *Reloader) reportFailure(ctx context.Context, result *SweepResult, name, op string, err error) {
	r.metrics.operation(op, err)
	result.fail(name, err)
	r.logger.Error("plugin "+op+" failed", "plugin", name, "error", err)
	r.emit(ctx, TopicLoadFailed, map[string]any{"name": name, "error": err.Error()})
}

func (r *Reloader) eventData(name string) map[string]any {
	data := map[string]any{"name": name}
	if s, ok := r.cfg.Registry.Describe(name); ok {
		data["version"] = s.Version
	}
	return data
}

func (r *Reloader) emit(ctx context.Context, topic string, data map[string]any) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.EmitAsync(ctx, EventSource, topic, data, "")
}

func (r *Reloader) finish(result SweepResult) {
	r.metrics.tracked.Set(float64(len(r.tracker.Names())))
	r.mu.Lock()
	r.lastSweep = r.now()
	r.last = result
	r.mu.Unlock()
	if result.Changed() {
		r.logger.Info("plugin sweep",
			"added", len(result.Added),
			"removed", len(result.Removed),
			"reloaded", len(result.Reloaded),
			"failed", len(result.Failed),
		)
	}
}

// Run sweeps every Interval until ctx is done. It returns immediately when
// the interval is zero.
func (r *Reloader) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Watch triggers a debounced sweep when a manifest under a root changes.
// The watcher stops when ctx is done.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	watched := 0
	for _, root := range r.cfg.Roots {
		if _, err := os.Stat(root); err != nil {
			r.logger.Debug("not watching missing plugin directory", "path", root)
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := watcher.Add(path); err != nil {
				r.logger.Warn("watch directory failed", "path", path, "error", err)
				return nil
			}
			watched++
			return nil
		})
	}
	if watched == 0 {
		watcher.Close()
		return errors.New("no plugin directories to watch")
	}

	r.logger.Info("hot reload watching", "roots", r.cfg.Roots)
	go r.watchLoop(ctx, watcher)
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(r.cfg.Debounce, func() {
			if ctx.Err() == nil {
				r.Sweep(ctx)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					trigger()
					continue
				}
			}
			if filepath.Base(event.Name) == pkgplugin.ManifestFile || event.Op&fsnotify.Remove != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("watcher error", "error", err)
		}
	}
}

func sortedNames(m map[string]Discovered) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
