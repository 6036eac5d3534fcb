package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goatkit/goatbridge/internal/client"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().Status(cmd.Context())
			if errors.Is(err, client.ErrUnreachable) {
				return fmt.Errorf("goatbridge is not running at %s", a.cfg.BaseURL())
			}
			if err != nil {
				return err
			}
			return render(a.stdout, a.output, st, func(w io.Writer) {
				fmt.Fprintf(w, "goatbridge %s %s (pid %d)\n", st.Version, st.Status, st.PID)
				fmt.Fprintf(w, "uptime:     %s\n", seconds(st.UptimeSeconds))
				fmt.Fprintf(w, "idle:       %s\n", seconds(st.IdleSeconds))
				fmt.Fprintf(w, "plugins:    %d\n", st.Plugins)
				fmt.Fprintf(w, "connectors: %s\n", st.Connectors.Status)
				for _, name := range sortedKeys(st.PluginHealth) {
					fmt.Fprintf(w, "  %-20s %s\n", name, st.PluginHealth[name].Status)
				}
			})
		},
	}
}

func (a *app) pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			list, err := c.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			return render(a.stdout, a.output, list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tVERSION\tSTARTED\tROUTES")
				for _, p := range list.Plugins {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", p.Name, p.Version, p.Started, len(p.Routes))
				}
				tw.Flush()
				for _, name := range sortedKeys(list.Failed) {
					fmt.Fprintf(w, "failed: %s: %s\n", name, list.Failed[name])
				}
			})
		},
	}
}

func (a *app) connectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "Show connector health and circuit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			st, err := c.Connectors(cmd.Context())
			if err != nil {
				return err
			}
			return render(a.stdout, a.output, st, func(w io.Writer) {
				fmt.Fprintf(w, "overall: %s\n", st.Status)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tHEALTHY\tCIRCUIT\tFAILURES\tBASE URL")
				for _, name := range sortedKeys(st.Connectors) {
					info := st.Connectors[name]
					fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\n", name, info.Healthy, info.CircuitState, info.FailureCount, info.BaseURL)
				}
				tw.Flush()
			})
		},
	}
}

func (a *app) reconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect <connector>",
		Short: "Force a connector to rebuild its client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			info, err := c.Reconnect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(a.stdout, a.output, info, func(w io.Writer) {
				fmt.Fprintf(w, "reconnected %s (healthy: %t, circuit: %s)\n", info.Name, info.Healthy, info.CircuitState)
			})
		},
	}
}

func (a *app) reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [plugin]",
		Short: "Reload one plugin, or rescan every plugin directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			res, err := c.Reload(cmd.Context(), name)
			if err != nil {
				return err
			}
			return render(a.stdout, a.output, res, func(w io.Writer) {
				if res.Plugin != nil {
					fmt.Fprintf(w, "reloaded %s %s\n", res.Plugin.Name, res.Plugin.Version)
					return
				}
				if res.Result == nil {
					fmt.Fprintln(w, res.Status)
					return
				}
				r := res.Result
				fmt.Fprintf(w, "%s: added [%s] removed [%s] reloaded [%s]\n", res.Status,
					strings.Join(r.Added, ", "), strings.Join(r.Removed, ", "), strings.Join(r.Reloaded, ", "))
				for _, n := range sortedKeys(r.Failed) {
					fmt.Fprintf(w, "failed: %s: %s\n", n, r.Failed[n])
				}
			})
		},
	}
}

func seconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
