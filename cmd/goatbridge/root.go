package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/goatkit/goatbridge/internal/client"
	"github.com/goatkit/goatbridge/internal/config"
)

type app struct {
	configFile string
	output     string
	noStart    bool

	stdout io.Writer
	cfg    *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout}

	root := &cobra.Command{
		Use:          "goatbridge",
		Short:        "Local daemon hosting integration plugins behind one HTTP API",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(a.output); err != nil {
				return err
			}
			cfg, err := config.Load(a.configFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default <runtime_dir>/config.yaml)")
	flags.StringVarP(&a.output, "output", "o", formatText, "output format: text, json or yaml")
	flags.BoolVar(&a.noStart, "no-start", false, "do not start the daemon when it is not running")

	root.AddCommand(
		a.serveCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.statusCmd(),
		a.pluginsCmd(),
		a.connectorsCmd(),
		a.reconnectCmd(),
		a.reloadCmd(),
	)
	return root
}

func (a *app) client() *client.Client {
	return client.New(a.cfg.BaseURL())
}

// connect returns a client for a daemon that is known to be up, starting
// one first unless --no-start is set.
func (a *app) connect(ctx context.Context) (*client.Client, error) {
	c := a.client()
	if a.noStart {
		return c, c.Health(ctx)
	}
	if _, err := c.EnsureRunning(ctx, a.startOptions()); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) startOptions() client.StartOptions {
	args := []string{"serve", "--background"}
	if a.configFile != "" {
		args = append(args, "--config", a.configFile)
	}
	return client.StartOptions{Args: args, LogFile: a.cfg.LogFile()}
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}
