// Package daemon runs the goatbridge process: PID file, signal handling,
// idle shutdown and the ordered startup and shutdown of every component.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goatkit/goatbridge/internal/api"
	"github.com/goatkit/goatbridge/internal/config"
	"github.com/goatkit/goatbridge/internal/connector"
	"github.com/goatkit/goatbridge/internal/events"
	"github.com/goatkit/goatbridge/internal/logging"
	"github.com/goatkit/goatbridge/internal/plugin"
	"github.com/goatkit/goatbridge/internal/plugin/loader"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
)

// Options configures Run.
type Options struct {
	Config     *config.Config
	Version    string
	Foreground bool
	// Builtins are the compiled-in plugin factories keyed by entry point.
	Builtins map[string]pkgplugin.Factory
	// Logger overrides the file logger built from Config.
	Logger *slog.Logger
	// Listener overrides listening on Config.Addr().
	Listener net.Listener
	// Ready is called once the daemon is serving with plugins started.
	Ready func(addr string)
}

// Daemon holds the wired components of one running instance.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer

	pid        *PIDFile
	signals    *SignalHandler
	idle       *IdleMonitor
	bus        *events.Bus
	broker     *events.Broker
	connectors *connector.Registry
	monitor    *connector.Monitor
	plugins    *plugin.Registry
	reloader   *loader.Reloader
	server     *api.Server
	http       *http.Server
	listener   net.Listener
}

// Run starts the daemon and blocks until it has shut down.
func Run(ctx context.Context, opts Options) error {
	d, err := New(opts)
	if err != nil {
		return err
	}
	return d.Serve(ctx, opts.Ready)
}

// New wires every component and claims the PID file. Nothing is served
// until Serve.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	d := &Daemon{cfg: cfg, logger: opts.Logger}
	if d.logger == nil {
		logger, closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile(), opts.Foreground)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		d.logger = logger
		d.closers = append(d.closers, closer)
	}

	d.pid = NewPIDFile(cfg.PIDFile())
	if err := d.pid.Create(); err != nil {
		d.closeAll()
		return nil, err
	}

	listener := opts.Listener
	if listener == nil {
		var err error
		if listener, err = net.Listen("tcp", cfg.Addr()); err != nil {
			d.pid.Remove()
			d.closeAll()
			return nil, fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
		}
	}
	d.listener = listener

	d.wire(opts)
	return d, nil
}

func (d *Daemon) wire(opts Options) {
	cfg, logger := d.cfg, d.logger

	d.signals = NewSignalHandler(logger)

	d.bus = events.NewBus(logger)
	d.broker = events.NewBroker(logger)
	d.broker.Attach(d.bus)
	if cfg.Notifications {
		d.wireNotifications()
	}

	d.connectors = connector.NewRegistry(logger)
	for _, cc := range cfg.Connectors {
		c := connector.New(cc, connector.WithLogger(logger))
		if err := d.connectors.Register(c); err != nil {
			logger.Warn("skipping connector", "connector", cc.Name, "error", err)
		}
	}
	d.monitor = connector.NewMonitor(d.connectors, logger,
		connector.WithInterval(cfg.HealthInterval),
		connector.WithReconnectAfter(cfg.ReconnectAfter),
		connector.WithEventSink(d.bus),
	)

	d.plugins = plugin.NewRegistry(
		plugin.WithConnectors(d.connectors),
		plugin.WithEventBus(d.bus),
		plugin.WithLogger(logger),
	)

	d.idle = NewIdleMonitor(cfg.IdleTimeout, func() { d.signals.Trigger("idle timeout") },
		WithBusy(func() bool { return d.broker.ClientCount() > 0 }),
		WithIdleLogger(logger),
	)

	d.server = api.NewServer(api.Config{
		Version:    opts.Version,
		Plugins:    d.plugins,
		Connectors: d.connectors,
		Broker:     d.broker,
		Activity:   d.idle,
		Shutdown:   d.signals.Trigger,
		Logger:     logger,
	})

	d.reloader = loader.NewReloader(loader.ReloaderConfig{
		Roots:    cfg.PluginDirs,
		Loader:   loader.NewLoader(logger, loader.WithBuiltins(opts.Builtins)),
		Registry: d.plugins,
		Mounter:  d.server.Router(),
		Deps: &loader.DepsSyncer{
			RequirementsFile: cfg.RequirementsFile(),
			HashFile:         cfg.DepsHashFile(),
			Command:          cfg.DepsCommand,
			Logger:           logger,
		},
		Events:   d.bus,
		Interval: cfg.ReloadInterval,
		Logger:   logger,
	})
	d.server.SetReloader(d.reloader)

	d.http = &http.Server{
		Handler:           d.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.http.RegisterOnShutdown(d.broker.Close)

	// Stop serving new work as soon as shutdown is triggered.
	d.signals.OnShutdown(func() { d.server.SetReady(false) })
}

func (d *Daemon) wireNotifications() {
	logHandler := events.LogHandler(d.logger.With("component", "notifications"))
	d.bus.On(logHandler, events.Topic("plugin.*"))
	d.bus.On(logHandler, events.Topic("connector.*"))

	if d.cfg.RedisURL == "" {
		return
	}
	fwd, err := events.NewRedisForwarder(d.cfg.RedisURL, "")
	if err != nil {
		d.logger.Warn("redis fan-out disabled", "error", err)
		return
	}
	d.closers = append(d.closers, fwd)
	d.bus.On(fwd.Handle, events.Topic("plugin.*"))
	d.bus.On(fwd.Handle, events.Topic("connector.*"))
}

// Addr is the address the daemon listens on.
func (d *Daemon) Addr() string { return d.listener.Addr().String() }

// Signals exposes the shutdown trigger.
func (d *Daemon) Signals() *SignalHandler { return d.signals }

// Serve connects connectors, loads plugins, serves HTTP and blocks until
// shutdown completes.
func (d *Daemon) Serve(ctx context.Context, ready func(addr string)) error {
	logger := d.logger
	stopSignals := d.signals.Install()
	defer stopSignals()

	serveErr := make(chan error, 1)
	go func() {
		if err := d.http.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			d.signals.Trigger("http server failed")
		}
	}()
	logger.Info("goatbridge listening", "addr", d.Addr(), "pid", os.Getpid())

	for name, err := range d.connectors.ConnectAll(ctx) {
		if err != nil {
			logger.Warn("connector connect failed", "connector", name, "error", err)
		}
	}
	d.monitor.CheckAll(ctx)

	result := d.reloader.Bootstrap(ctx)
	logger.Info("plugins loaded", "loaded", len(result.Added), "failed", len(result.Failed))

	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	var loops sync.WaitGroup
	d.startLoops(loopCtx, &loops)

	if !d.signals.Triggered() {
		d.server.SetReady(true)
		if ready != nil {
			ready(d.Addr())
		}
	}

	reason := d.signals.Wait(ctx)
	logger.Info("shutting down", "reason", reason)
	d.shutdown(stopLoops, &loops)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (d *Daemon) startLoops(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(d.monitor.Run)
	run(d.reloader.Run)
	run(d.idle.Run)
	if d.cfg.Watch {
		if err := d.reloader.Watch(ctx); err != nil {
			d.logger.Info("manifest watching disabled", "error", err)
		}
	}
}

// shutdown stops HTTP, the background loops, plugins and connectors, then
// releases process artifacts.
func (d *Daemon) shutdown(stopLoops context.CancelFunc, loops *sync.WaitGroup) {
	logger := d.logger
	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}

	d.server.SetReady(false)
	httpCtx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := d.http.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown timed out, closing connections", "error", err)
		d.http.Close()
	}
	cancel()

	stopLoops()
	loops.Wait()

	pluginCtx, cancel := context.WithTimeout(context.Background(), timeout)
	done := make(chan struct{})
	go func() {
		d.plugins.ShutdownAll(pluginCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-pluginCtx.Done():
		logger.Warn("plugin shutdown timed out, continuing", "timeout", timeout)
	}
	cancel()

	d.connectors.DisconnectAll(context.Background())
	d.bus.Wait()

	if err := d.pid.Remove(); err != nil {
		logger.Warn("remove pid file failed", "path", d.pid.Path(), "error", err)
	}
	logger.Info("goatbridge stopped")
	d.closeAll()
}

func (d *Daemon) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i].Close()
	}
	d.closers = nil
}
