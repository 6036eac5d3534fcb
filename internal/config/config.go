// Package config loads daemon settings from GOATBRIDGE_* environment
// variables and an optional config.yaml in the runtime directory.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goatkit/goatbridge/internal/connector"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "GOATBRIDGE"

// Defaults.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 9847
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReloadInterval  = 5 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultReconnectAfter  = 3
	configFileName         = "config.yaml"
)

// Config is the resolved daemon configuration.
type Config struct {
	Host            string
	Port            int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	RuntimeDir      string
	Notifications   bool
	PluginDirs      []string
	ReloadInterval  time.Duration
	Watch           bool
	HealthInterval  time.Duration
	ReconnectAfter  int
	DepsCommand     string
	RedisURL        string
	Connectors      []connector.Config

	// ConfigFile is the file that was read, empty if none.
	ConfigFile string
}

// Load resolves configuration. An explicit file must exist; otherwise
// <runtime_dir>/config.yaml is read when present.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	runtimeDir, err := expandHome(v.GetString("runtime_dir"))
	if err != nil {
		return nil, err
	}

	if file == "" {
		candidate := filepath.Join(runtimeDir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		// The file may relocate the runtime dir; env still wins through viper.
		if runtimeDir, err = expandHome(v.GetString("runtime_dir")); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		LogLevel:       strings.ToLower(v.GetString("log_level")),
		RuntimeDir:     runtimeDir,
		Notifications:  v.GetBool("notifications"),
		Watch:          v.GetBool("watch"),
		ReconnectAfter: v.GetInt("reconnect_after"),
		DepsCommand:    v.GetString("deps_command"),
		RedisURL:       v.GetString("redis_url"),
		ConfigFile:     file,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"idle_timeout", &cfg.IdleTimeout},
		{"shutdown_timeout", &cfg.ShutdownTimeout},
		{"reload_interval", &cfg.ReloadInterval},
		{"health_interval", &cfg.HealthInterval},
	}
	for _, d := range durations {
		if *d.dst, err = parseSeconds(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	cfg.PluginDirs = pluginDirs(v.Get("plugin_dirs"))
	if len(cfg.PluginDirs) == 0 {
		cfg.PluginDirs = []string{filepath.Join(runtimeDir, "plugins")}
	}
	for i, dir := range cfg.PluginDirs {
		if cfg.PluginDirs[i], err = expandHome(dir); err != nil {
			return nil, err
		}
	}

	if err := v.UnmarshalKey("connectors", &cfg.Connectors); err != nil {
		return nil, fmt.Errorf("connectors: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("idle_timeout", DefaultIdleTimeout.String())
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout.String())
	v.SetDefault("log_level", "info")
	v.SetDefault("runtime_dir", defaultRuntimeDir())
	v.SetDefault("notifications", false)
	v.SetDefault("plugin_dirs", "")
	v.SetDefault("reload_interval", DefaultReloadInterval.String())
	v.SetDefault("watch", true)
	v.SetDefault("health_interval", DefaultHealthInterval.String())
	v.SetDefault("reconnect_after", DefaultReconnectAfter)
	v.SetDefault("deps_command", "")
	v.SetDefault("redis_url", "")
}

func defaultRuntimeDir() string {
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "goatbridge")
	}
	return filepath.Join("~", ".local", "state", "goatbridge")
}

// parseSeconds accepts plain integers as seconds and Go duration strings.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// pluginDirs reads a YAML list or an OS path-list string.
func pluginDirs(raw any) []string {
	var dirs []string
	switch val := raw.(type) {
	case string:
		dirs = filepath.SplitList(val)
	case []any:
		for _, item := range val {
			dirs = append(dirs, fmt.Sprint(item))
		}
	case []string:
		dirs = val
	}
	out := dirs[:0]
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !isLoopback(c.Host) {
		errs = append(errs, fmt.Errorf("host %q is not a loopback address", c.Host))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for name, d := range map[string]time.Duration{
		"idle_timeout":     c.IdleTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
		"reload_interval":  c.ReloadInterval,
		"health_interval":  c.HealthInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.RuntimeDir == "" {
		errs = append(errs, errors.New("runtime_dir is empty"))
	}
	seen := make(map[string]bool, len(c.Connectors))
	for i, cc := range c.Connectors {
		switch {
		case cc.Name == "":
			errs = append(errs, fmt.Errorf("connectors[%d]: name is required", i))
		case seen[cc.Name]:
			errs = append(errs, fmt.Errorf("connectors[%d]: duplicate name %q", i, cc.Name))
		}
		seen[cc.Name] = true
		if cc.BaseURL == "" {
			errs = append(errs, fmt.Errorf("connectors[%d]: base_url is required", i))
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL is the daemon URL clients use.
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

// PIDFile is <runtime>/goatbridge.pid.
func (c *Config) PIDFile() string { return filepath.Join(c.RuntimeDir, "goatbridge.pid") }

// LogFile is <runtime>/goatbridge.log.
func (c *Config) LogFile() string { return filepath.Join(c.RuntimeDir, "goatbridge.log") }

// DepsHashFile is <runtime>/deps.sha256.
func (c *Config) DepsHashFile() string { return filepath.Join(c.RuntimeDir, "deps.sha256") }

// RequirementsFile is <runtime>/requirements.txt.
func (c *Config) RequirementsFile() string { return filepath.Join(c.RuntimeDir, "requirements.txt") }
