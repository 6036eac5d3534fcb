package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Defaults for EnsureRunning.
const (
	DefaultStartTimeout = 10 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
)

// StartOptions controls how EnsureRunning spawns a daemon.
type StartOptions struct {
	// Executable defaults to the running binary.
	Executable string
	// Args default to "serve --background".
	Args []string
	// Env is appended to the current environment of the child.
	Env []string
	// LogFile receives the child's stdout and stderr. Empty discards them.
	LogFile      string
	StartTimeout time.Duration
	PollInterval time.Duration
}

// EnsureRunning returns nil when a daemon already answers /health. Otherwise
// it spawns one detached from the caller's session and waits for it to come
// up. started reports whether a new process was launched.
func (c *Client) EnsureRunning(ctx context.Context, opts StartOptions) (started bool, err error) {
	if err := c.Health(ctx); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrUnreachable) {
		return false, err
	}

	if err := spawn(opts); err != nil {
		return false, err
	}
	return true, c.waitHealthy(ctx, opts)
}

func (c *Client) waitHealthy(ctx context.Context, opts StartOptions) error {
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("daemon did not become ready within %s", timeout)
		case <-ticker.C:
			if err := c.Health(ctx); err == nil {
				return nil
			}
		}
	}
}

func spawn(opts StartOptions) error {
	exe := opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}
	args := opts.Args
	if args == nil {
		args = []string{"serve", "--background"}
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	detach(cmd)

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	// The child outlives us; reap it in the background while we are alive.
	go cmd.Wait()
	return nil
}
