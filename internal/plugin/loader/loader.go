package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goatkit/goatbridge/internal/plugin"
	grpcplugin "github.com/goatkit/goatbridge/internal/plugin/grpc"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// ReservedNames are URL prefixes owned by the core HTTP surface.
var ReservedNames = []string{
	"health", "ready", "status", "plugins", "connectors",
	"shutdown", "reload-plugins", "metrics", "events",
}

// ErrNoExecutable is returned when an out-of-process entry point cannot be
// resolved to an executable file.
var ErrNoExecutable = errors.New("no executable found")

// Loader turns a manifest into a verified plugin instance. Entry points with
// a compiled-in factory are created in-process, everything else is started
// as a subprocess.
type Loader struct {
	builtins     map[string]pkgplugin.Factory
	logger       *slog.Logger
	startTimeout time.Duration
	spawn        func(ctx context.Context, opts grpcplugin.Options) (plugin.Plugin, error)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithBuiltins registers compiled-in factories keyed by full entry point.
func WithBuiltins(factories map[string]pkgplugin.Factory) LoaderOption {
	return func(l *Loader) {
		for k, f := range factories {
			l.builtins[k] = f
		}
	}
}

// WithStartTimeout bounds subprocess start and handshake.
func WithStartTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.startTimeout = d }
}

// NewLoader creates a loader.
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		builtins: make(map[string]pkgplugin.Factory),
		logger:   logger,
		spawn: func(ctx context.Context, opts grpcplugin.Options) (plugin.Plugin, error) {
			p, err := grpcplugin.Load(ctx, opts)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves, instantiates and verifies the plugin for m.
func (l *Loader) Load(ctx context.Context, m plugin.Manifest) (plugin.Plugin, error) {
	fail := func(err error) error {
		return &plugin.LoadError{Plugin: m.Name, EntryPoint: m.EntryPoint, Err: err}
	}

	if isReserved(m.Name) {
		return nil, fail(fmt.Errorf("name %q is reserved", m.Name))
	}
	if err := checkAPIVersion(m.BridgeAPI); err != nil {
		return nil, fail(err)
	}

	if factory, ok := l.builtins[m.EntryPoint]; ok {
		p, err := instantiate(factory)
		if err != nil {
			return nil, fail(err)
		}
		if err := plugin.Verify(m, p.Info(), nil, nil); err != nil {
			return nil, err
		}
		l.logger.Info("loaded plugin", "plugin", m.Name, "version", p.Info().Version, "kind", "builtin")
		return p, nil
	}

	module, symbol := m.SplitEntryPoint()
	path, err := ResolveExecutable(m.Dir(), module)
	if err != nil {
		return nil, fail(err)
	}
	p, err := l.spawn(ctx, grpcplugin.Options{
		Manifest:     m,
		Path:         path,
		Symbol:       symbol,
		StartTimeout: l.startTimeout,
		Logger:       l.logger,
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("loaded plugin", "plugin", m.Name, "version", p.Info().Version, "kind", "process", "path", path)
	return p, nil
}

// Builtin reports whether entryPoint has a compiled-in factory.
func (l *Loader) Builtin(entryPoint string) bool {
	_, ok := l.builtins[entryPoint]
	return ok
}

func instantiate(factory pkgplugin.Factory) (p plugin.Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("factory panic: %v", rec)
		}
	}()
	p = factory()
	if p == nil {
		return nil, errors.New("factory returned nil")
	}
	return p, nil
}

// ResolveExecutable finds module relative to the plugin directory, trying
// the package layout, the src layout and the plugin root in that order.
func ResolveExecutable(dir, module string) (string, error) {
	if module == "" || strings.ContainsAny(module, `/\`) || module == "." || module == ".." {
		return "", fmt.Errorf("invalid module %q", module)
	}

	candidates := []string{
		filepath.Join(dir, module, module),
		filepath.Join(dir, "src", module),
		filepath.Join(dir, module),
	}
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			// ENOTDIR when <dir>/<module> is itself the executable.
			continue
		}
		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w for module %q in %s", ErrNoExecutable, module, dir)
}

func isReserved(name string) bool {
	for _, r := range ReservedNames {
		if name == r {
			return true
		}
	}
	return false
}

// checkAPIVersion accepts an empty version or one whose major component
// matches pkgplugin.APIVersion.
func checkAPIVersion(v string) error {
	if v == "" {
		return nil
	}
	want, _, _ := strings.Cut(pkgplugin.APIVersion, ".")
	got, _, _ := strings.Cut(v, ".")
	if got != want {
		return fmt.Errorf("bridge_api %s is incompatible with %s", v, pkgplugin.APIVersion)
	}
	return nil
}
