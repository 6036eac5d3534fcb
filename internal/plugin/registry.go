package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/events"
)

// Registry handles plugin lifecycle: registration, startup, shutdown, health
// and invocation. A plugin is "started" only after Startup returned nil.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*registered
	order   []string

	logger     *slog.Logger
	connectors *connector.Registry
	bus        *events.Bus
	logs       *LogBuffer
	now        func() time.Time
}

type registered struct {
	plugin       Plugin
	manifest     Manifest
	host         *host
	started      bool
	registeredAt time.Time
	startedAt    time.Time
}

// Summary is the public view of a registered plugin.
type Summary struct {
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Description  string      `json:"description"`
	EntryPoint   string      `json:"entry_point,omitempty"`
	ManifestPath string      `json:"manifest_path,omitempty"`
	Started      bool        `json:"started"`
	Routes       []RouteSpec `json:"routes"`
	RegisteredAt time.Time   `json:"registered_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConnectors lets plugins add and use outbound connectors.
func WithConnectors(c *connector.Registry) RegistryOption {
	return func(r *Registry) { r.connectors = c }
}

// WithEventBus routes Host.Emit to the bus.
func WithEventBus(b *events.Bus) RegistryOption {
	return func(r *Registry) { r.bus = b }
}

// WithLogBuffer keeps recent per-plugin log records.
func WithLogBuffer(b *LogBuffer) RegistryOption {
	return func(r *Registry) { r.logs = b }
}

// WithLogger sets the registry logger. Plugin loggers derive from it.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins: make(map[string]*registered),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logs == nil {
		r.logs = NewLogBuffer(0)
	}
	return r
}

// Logs returns the per-plugin log buffer.
func (r *Registry) Logs() *LogBuffer { return r.logs }

// Register adds p under m.Name. A duplicate name is logged and rejected.
func (r *Registry) Register(p Plugin, m Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[m.Name]; exists {
		r.logger.Warn("plugin already registered", "plugin", m.Name)
		return fmt.Errorf("%w: %s", ErrDuplicate, m.Name)
	}
	r.plugins[m.Name] = &registered{
		plugin:       p,
		manifest:     m,
		host:         newHost(m.Name, r.logger, r.logs, r.connectors, r.bus),
		registeredAt: r.now(),
	}
	r.order = append(r.order, m.Name)
	r.logger.Info("plugin registered", "plugin", m.Name, "version", p.Info().Version)
	return nil
}

// Unregister removes a plugin and the connectors it added. A started plugin
// is shut down first.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if r.IsStarted(name) {
		r.Shutdown(ctx, name)
	}

	r.mu.Lock()
	rp, exists := r.plugins[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.plugins, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	rp.host.release(ctx)
	r.logger.Info("plugin unregistered", "plugin", name)
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, exists := r.plugins[name]
	if !exists {
		return nil, false
	}
	return rp.plugin, true
}

// Manifest returns the manifest a plugin was registered with.
func (r *Registry) Manifest(name string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, exists := r.plugins[name]
	if !exists {
		return Manifest{}, false
	}
	return rp.manifest, true
}

// Names returns plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// IsStarted reports whether name completed Startup.
func (r *Registry) IsStarted(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, exists := r.plugins[name]
	return exists && rp.started
}

// Describe returns the summary of one plugin.
func (r *Registry) Describe(name string) (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, exists := r.plugins[name]
	if !exists {
		return Summary{}, false
	}
	return rp.summary(), true
}

// List returns summaries in registration order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name].summary())
	}
	return out
}

func (rp *registered) summary() Summary {
	info := rp.plugin.Info()
	s := Summary{
		Name:         rp.manifest.Name,
		Version:      info.Version,
		Description:  info.Description,
		EntryPoint:   rp.manifest.EntryPoint,
		ManifestPath: rp.manifest.Path,
		Started:      rp.started,
		Routes:       info.Routes,
		RegisteredAt: rp.registeredAt,
	}
	if s.Description == "" {
		s.Description = rp.manifest.Description
	}
	if s.Routes == nil {
		s.Routes = []RouteSpec{}
	}
	if rp.started {
		t := rp.startedAt
		s.StartedAt = &t
	}
	return s
}

// Startup runs the plugin's Startup hook. It returns true when the plugin is
// started afterwards; calling it on a started plugin is a no-op.
func (r *Registry) Startup(ctx context.Context, name string) bool {
	r.mu.RLock()
	rp, exists := r.plugins[name]
	started := exists && rp.started
	r.mu.RUnlock()

	if !exists {
		r.logger.Warn("startup of unknown plugin", "plugin", name)
		return false
	}
	if started {
		return true
	}

	if err := safeHook(func() error { return rp.plugin.Startup(ctx, rp.host) }); err != nil {
		r.logger.Error("plugin startup failed", "plugin", name, "error", err)
		return false
	}

	r.mu.Lock()
	// The plugin may have been unregistered while Startup ran.
	if cur, ok := r.plugins[name]; ok && cur == rp {
		rp.started = true
		rp.startedAt = r.now()
	}
	r.mu.Unlock()
	r.logger.Info("plugin started", "plugin", name)
	return true
}

// Shutdown runs the plugin's Shutdown hook. It returns true when the hook
// succeeded or the plugin was not started. The plugin counts as stopped
// either way.
func (r *Registry) Shutdown(ctx context.Context, name string) bool {
	r.mu.Lock()
	rp, exists := r.plugins[name]
	if !exists || !rp.started {
		r.mu.Unlock()
		return exists
	}
	rp.started = false
	r.mu.Unlock()

	if err := safeHook(func() error { return rp.plugin.Shutdown(ctx) }); err != nil {
		r.logger.Error("plugin shutdown failed", "plugin", name, "error", err)
		return false
	}
	r.logger.Info("plugin stopped", "plugin", name)
	return true
}

// StartupAll starts every registered plugin concurrently and reports the
// per-plugin outcome.
func (r *Registry) StartupAll(ctx context.Context) map[string]bool {
	names := r.Names()
	results := make(map[string]bool, len(names))
	var mu sync.Mutex

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			ok := r.Startup(ctx, name)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ShutdownAll stops started plugins in reverse registration order. A failing
// plugin does not prevent the others from stopping.
func (r *Registry) ShutdownAll(ctx context.Context) {
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			r.logger.Warn("shutdown interrupted", "remaining", i+1, "error", ctx.Err())
			return
		}
		r.Shutdown(ctx, names[i])
	}
}

// HealthStatus calls every plugin's HealthCheck. Errors and panics map to
// status "error".
func (r *Registry) HealthStatus(ctx context.Context) map[string]Health {
	r.mu.RLock()
	targets := make(map[string]Plugin, len(r.plugins))
	for name, rp := range r.plugins {
		targets[name] = rp.plugin
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	for name, p := range targets {
		g.Go(func() error {
			h := checkHealth(ctx, p)
			mu.Lock()
			out[name] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Health checks one plugin.
func (r *Registry) Health(ctx context.Context, name string) (Health, error) {
	p, ok := r.Get(name)
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return checkHealth(ctx, p), nil
}

func checkHealth(ctx context.Context, p Plugin) Health {
	var h Health
	err := safeHook(func() error {
		var err error
		h, err = p.HealthCheck(ctx)
		return err
	})
	if err != nil {
		return Health{Status: "error", Error: err.Error()}
	}
	if h.Status == "" {
		h.Status = "healthy"
	}
	return h
}

// Call invokes a handler on a started plugin.
func (r *Registry) Call(ctx context.Context, name, handler string, req *Request) (*Response, error) {
	r.mu.RLock()
	rp, exists := r.plugins[name]
	started := exists && rp.started
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !started {
		return nil, fmt.Errorf("%w: %s", ErrNotStarted, name)
	}

	var resp *Response
	err := safeHook(func() error {
		var err error
		resp, err = rp.plugin.Call(ctx, handler, req)
		return err
	})
	return resp, err
}

func safeHook(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
