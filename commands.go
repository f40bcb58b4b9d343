package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"marshal/pkg/blocklist"
	"marshal/pkg/config"
	"marshal/pkg/resolve"
	"marshal/pkg/telemetry"
	"marshal/pkg/version"
)

const reloadHint = "run `systemctl reload marshal` (or send SIGHUP) to apply to a running daemon"

func newSitesCmd(configPath *string) *cobra.Command {
	sites := &cobra.Command{Use: "sites", Short: "Manage the block list"}

	var format string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show default and custom sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				lists, err := a.rec.Lists(ctx)
				if err != nil {
					return err
				}
				return printLists(cmd.OutOrStdout(), lists, format)
			})
		},
	}
	listCmd.Flags().StringVar(&format, "format", "text", "output format: text|yaml")

	addCmd := &cobra.Command{
		Use:   "add <host>...",
		Short: "Block custom sites",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := normalizeHosts(args)
			if err != nil {
				return err
			}
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				for _, host := range hosts {
					if err := a.rec.AddCustomSite(ctx, host); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", host)
				}
				return nil
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <host>...",
		Short: "Remove custom sites",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := normalizeHosts(args)
			if err != nil {
				return err
			}
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				for _, host := range hosts {
					if err := a.rec.RemoveCustomSite(ctx, host); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", host)
				}
				return nil
			})
		},
	}

	var errorLimit int
	importCmd := &cobra.Command{
		Use:   "import <file|url>",
		Short: "Add custom sites from a hosts-format list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				limit := errorLimit
				if limit < 0 {
					limit = a.cfg.Logging.ImportErrorLimit
				}
				set, stats, err := blocklist.Import(ctx, args[0], a.log, limit)
				if err != nil {
					return err
				}
				for _, host := range set.Sorted() {
					if err := a.rec.AddCustomSite(ctx, host); err != nil {
						return err
					}
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d sites from %s (%d lines, %d invalid)\n",
					stats.Sites, args[0], stats.TotalLines, stats.Invalid)
				return nil
			})
		},
	}
	importCmd.Flags().IntVar(&errorLimit, "error-limit", -1, "invalid entries to log (default logging.import_error_limit)")

	sites.AddCommand(listCmd, addCmd, removeCmd,
		newSiteToggleCmd(configPath, "enable", true),
		newSiteToggleCmd(configPath, "disable", false),
		importCmd,
	)
	return sites
}

// newSiteToggleCmd enables or disables a default or custom site without
// removing it from the list.
func newSiteToggleCmd(configPath *string, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <host>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a default or custom site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := blocklist.NormalizeHost(args[0])
			if err != nil {
				return err
			}
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				lists, err := a.rec.Lists(ctx)
				if err != nil {
					return err
				}
				switch {
				case slices.Contains(lists.Default, host):
					err = a.rec.SetDefaultSiteEnabled(ctx, host, enabled)
				case slices.Contains(lists.Custom, host):
					err = a.rec.SetCustomSiteEnabled(ctx, host, enabled)
				default:
					return fmt.Errorf("%s is not on the block list", host)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, host)
				return nil
			})
		},
	}
}

func newStudyCmd(configPath *string) *cobra.Command {
	study := &cobra.Command{Use: "study", Short: "Switch study mode"}
	for _, mode := range []struct {
		use    string
		active bool
	}{{"on", true}, {"off", false}} {
		study.AddCommand(&cobra.Command{
			Use:   mode.use,
			Short: "Turn study mode " + mode.use,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
					if err := a.rec.SetStudyMode(ctx, mode.active); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "study mode %s; %s\n", mode.use, reloadHint)
					return nil
				})
			},
		})
	}
	return study
}

func newStatsCmd(configPath *string) *cobra.Command {
	var format string
	var top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show block statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReconciler(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				return printStats(cmd.OutOrStdout(), a.rec.Stats(ctx, top), format)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|yaml")
	cmd.Flags().IntVar(&top, "top", 5, "number of top blocked sites to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "marshal %s\n", version.MarshalVersion)
		},
	}
}

func normalizeHosts(args []string) ([]string, error) {
	hosts := make([]string, 0, len(args))
	for _, arg := range args {
		host, err := blocklist.NormalizeHost(arg)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func printLists(w io.Writer, lists blocklist.Lists, format string) error {
	switch format {
	case "yaml":
		return writeYAML(w, lists)
	case "text":
	default:
		return fmt.Errorf("unknown format %q (must be text or yaml)", format)
	}

	section := func(title string, sites, disabled []string) {
		_, _ = fmt.Fprintf(w, "%s:\n", title)
		if len(sites) == 0 {
			_, _ = fmt.Fprintln(w, "  (none)")
		}
		for _, site := range sites {
			mark := "on "
			if slices.Contains(disabled, site) {
				mark = "off"
			}
			_, _ = fmt.Fprintf(w, "  [%s] %s\n", mark, site)
		}
	}
	section("default", lists.Default, lists.DisabledDefault)
	section("custom", lists.Custom, lists.DisabledCustom)
	return nil
}

func printStats(w io.Writer, summary telemetry.Summary, format string) error {
	switch format {
	case "yaml":
		return writeYAML(w, summary)
	case "text":
	default:
		return fmt.Errorf("unknown format %q (must be text or yaml)", format)
	}

	_, _ = fmt.Fprintf(w, "blocks:        %d\n", summary.BlockedAttempts)
	_, _ = fmt.Fprintf(w, "time saved:    %s\n", summary.TimeSavedText)
	_, _ = fmt.Fprintf(w, "peak hour:     %s\n", summary.PeakHourText)
	_, _ = fmt.Fprintf(w, "streak:        %d days\n", summary.StreakDays)
	_, _ = fmt.Fprintf(w, "this week:     %d blocks\n", summary.WeekBlocks)
	if summary.MostProductiveDay != "" {
		_, _ = fmt.Fprintf(w, "best day:      %s\n", summary.MostProductiveDay)
	}
	_, _ = fmt.Fprintf(w, "peak day:      %s\n", summary.PeakDayText)
	for i, site := range summary.TopSites {
		_, _ = fmt.Fprintf(w, "%d. %s (%d)\n", i+1, site.Site, site.Count)
	}
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check <host>",
		Short: "Ask the running DNS engine whether a site is redirected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := blocklist.NormalizeHost(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.DNS.Enabled {
				return errors.New("the DNS engine is disabled in the configuration")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*resolve.DefaultTimeout)
			defer cancel()
			blocked, addrs, err := resolve.Redirected(ctx, host+".", cfg.DNS.Listen, cfg.DNS.BlockedAddress)
			if err != nil {
				return fmt.Errorf("query %s: %w", cfg.DNS.Listen, err)
			}
			state := "allowed"
			if blocked {
				state = "blocked"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s (%s)\n", host, state, strings.Join(addrs, ", "))
			return nil
		},
	}
}
