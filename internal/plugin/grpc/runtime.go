// Package grpc runs plugins as separate processes using HashiCorp go-plugin.
//
// The plugin executable serves pkg/plugin/grpcutil; this package launches
// it, performs the capability handshake and adapts the RPC client to
// plugin.Plugin. Reloading is crash-only: the old process is killed and a
// new one spawned.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/goatkit/goatbridge/internal/plugin"
	pkgplugin "github.com/goatkit/goatbridge/pkg/plugin"
	"github.com/goatkit/goatbridge/pkg/plugin/grpcutil"
)

const defaultStartTimeout = 10 * time.Second

// ErrExited is returned when the plugin process is gone.
var ErrExited = errors.New("plugin process exited")

// Options describes one plugin executable.
type Options struct {
	// Manifest is the manifest the executable was resolved from.
	Manifest plugin.Manifest
	// Path is the executable.
	Path string
	// Symbol is the dispense name; empty means grpcutil.DefaultSymbol.
	Symbol string
	// StartTimeout bounds process start and handshake.
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// ProcessPlugin adapts a plugin process to plugin.Plugin.
type ProcessPlugin struct {
	client       *goplugin.Client
	rpc          *grpcutil.RPCClient
	desc         grpcutil.Description
	manifest     plugin.Manifest
	logger       *slog.Logger
	shutdownOnce sync.Once
}

var _ pkgplugin.Plugin = (*ProcessPlugin)(nil)

// Load starts the executable and performs the capability handshake. Any
// failure kills the process and is returned as a *plugin.LoadError.
func Load(ctx context.Context, opts Options) (*ProcessPlugin, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	symbol := opts.Symbol
	if symbol == "" {
		symbol = grpcutil.DefaultSymbol
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	m := opts.Manifest
	fail := func(err error) error {
		return &plugin.LoadError{Plugin: m.Name, EntryPoint: m.EntryPoint, Err: err}
	}

	cmd := exec.Command(opts.Path)
	prepareCommand(cmd, m)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: grpcutil.Handshake,
		Plugins: map[string]goplugin.Plugin{
			symbol: &grpcutil.RPCPlugin{},
		},
		Cmd:          cmd,
		SkipHostEnv:  true,
		StartTimeout: timeout,
		Logger: hclog.FromStandardLogger(
			slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
			&hclog.LoggerOptions{Name: "plugin." + m.Name, Level: hclog.Info},
		),
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fail(fmt.Errorf("start process: %w", err))
	}

	raw, err := rpcClient.Dispense(symbol)
	if err != nil {
		client.Kill()
		return nil, fail(fmt.Errorf("dispense %q: %w", symbol, err))
	}

	impl, ok := raw.(*grpcutil.RPCClient)
	if !ok {
		client.Kill()
		return nil, fail(fmt.Errorf("symbol %q is not a goatbridge plugin", symbol))
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	desc, err := impl.Describe(hctx)
	if err != nil {
		client.Kill()
		return nil, fail(fmt.Errorf("describe: %w", err))
	}

	info := pkgplugin.Info{Name: desc.Name, Version: desc.Version, Description: desc.Description}
	if err := plugin.Verify(m, info, desc.Capabilities, grpcutil.RequiredCapabilities); err != nil {
		client.Kill()
		return nil, err
	}

	logger.Debug("plugin process ready", "plugin", m.Name, "path", opts.Path, "symbol", symbol)
	return &ProcessPlugin{
		client:   client,
		rpc:      impl,
		desc:     *desc,
		manifest: m,
		logger:   logger,
	}, nil
}

func (p *ProcessPlugin) Info() pkgplugin.Info {
	return pkgplugin.Info{
		Name:        p.desc.Name,
		Version:     p.desc.Version,
		Description: p.desc.Description,
		Routes:      p.desc.Routes,
	}
}

// Capabilities returns the members reported in the handshake.
func (p *ProcessPlugin) Capabilities() []string {
	return append([]string(nil), p.desc.Capabilities...)
}

// Startup serves host to the plugin over a broker stream.
func (p *ProcessPlugin) Startup(ctx context.Context, host pkgplugin.Host) error {
	if p.client.Exited() {
		return ErrExited
	}
	config := map[string]string{
		"api_version": pkgplugin.APIVersion,
		"plugin_dir":  p.manifest.Dir(),
	}
	return p.rpc.Startup(ctx, config, &grpcutil.HostRPCServer{Host: host})
}

// Shutdown asks the plugin to stop, then kills the process.
func (p *ProcessPlugin) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if !p.client.Exited() {
			err = p.rpc.Shutdown(ctx)
		}
		p.client.Kill()
	})
	return err
}

// Kill terminates the process without calling the plugin's Shutdown.
func (p *ProcessPlugin) Kill() {
	p.client.Kill()
}

// Exited reports whether the process has ended.
func (p *ProcessPlugin) Exited() bool {
	return p.client.Exited()
}

func (p *ProcessPlugin) HealthCheck(ctx context.Context) (pkgplugin.Health, error) {
	if p.client.Exited() {
		return pkgplugin.Health{}, ErrExited
	}
	return p.rpc.HealthCheck(ctx)
}

func (p *ProcessPlugin) Call(ctx context.Context, handler string, req *pkgplugin.Request) (*pkgplugin.Response, error) {
	if p.client.Exited() {
		return nil, ErrExited
	}
	return p.rpc.Call(ctx, handler, req)
}
