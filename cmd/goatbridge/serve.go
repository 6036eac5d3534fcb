package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goatkit/goatbridge/internal/client"
	"github.com/goatkit/goatbridge/internal/daemon"
	"github.com/goatkit/goatbridge/internal/plugin/example"
)

func (a *app) serveCmd() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			err := daemon.Run(cmd.Context(), daemon.Options{
				Config:     a.cfg,
				Version:    version,
				Foreground: !background,
				Builtins:   example.Builtins(),
				Ready: func(addr string) {
					if !background {
						a.printf("goatbridge %s listening on http://%s\n", version, addr)
					}
				},
			})
			var running *daemon.AlreadyRunningError
			if errors.As(err, &running) && !background {
				return fmt.Errorf("%w; use 'goatbridge stop' first", err)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "log only to the log file")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			started, err := c.EnsureRunning(cmd.Context(), a.startOptions())
			if err != nil {
				return err
			}
			if started {
				a.printf("goatbridge started at %s\n", c.BaseURL())
			} else {
				a.printf("goatbridge already running at %s\n", c.BaseURL())
			}
			return nil
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down and wait for it to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := a.client()
			if err := c.Shutdown(ctx); err != nil {
				if errors.Is(err, client.ErrUnreachable) {
					a.printf("goatbridge is not running\n")
					return nil
				}
				return err
			}
			wait := a.cfg.ShutdownTimeout + 5*time.Second
			if err := c.WaitStopped(ctx, wait, client.DefaultPollInterval); err != nil {
				return err
			}
			a.printf("goatbridge stopped\n")
			return nil
		},
	}
}
