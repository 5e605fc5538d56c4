// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sigil-dev/vigil/internal/config"
)

// doctorTimeout bounds each reachability probe.
const doctorTimeout = 5 * time.Second

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the configuration, LLM providers, observability backends, run archive and disk space.",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
}

type check struct {
	name string
	fn   func(context.Context) string
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	checks := []check{
		{"Binary", func(context.Context) string { return checkBinary() }},
		{"Platform", func(context.Context) string { return checkPlatform() }},
		{"Config", func(context.Context) string { return checkConfig() }},
	}

	cfg, cfgErr := loadConfig()
	if cfgErr != nil {
		checks = append(checks, check{"Config errors", func(context.Context) string { return errorStyle.Render(cfgErr.Error()) }})
		return printChecks(ctx, cmd, checks)
	}

	dataDir := resolveDataDir(cfg)
	app, err := Wire(ctx, cfg, dataDir)
	if err != nil {
		checks = append(checks, check{"Wiring", func(context.Context) string { return errorStyle.Render(err.Error()) }})
		return printChecks(ctx, cmd, checks)
	}
	defer func() { _ = app.Close() }()

	checks = append(checks,
		check{"Default model", func(context.Context) string { return checkDefaultModel(app) }},
		check{"Providers", func(ctx context.Context) string { return checkProviders(ctx, app) }},
	)
	title := cases.Title(language.English)
	for _, b := range app.Backends {
		checks = append(checks, check{title.String(b.Name), func(ctx context.Context) string {
			if b.Pinger == nil {
				return dimStyle.Render("not configured")
			}
			ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
			defer cancel()
			if err := b.Pinger.Ping(ctx); err != nil {
				return errorStyle.Render("unreachable: " + err.Error())
			}
			return successStyle.Render("reachable")
		}})
	}
	checks = append(checks,
		check{"Storage", func(context.Context) string { return checkStorage(cfg, dataDir) }},
		check{"Disk Space", func(context.Context) string { return checkDiskSpace(dataDir) }},
	)

	return printChecks(ctx, cmd, checks)
}

func printChecks(ctx context.Context, cmd *cobra.Command, checks []check) error {
	for _, c := range checks {
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", c.name+":", c.fn(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func checkBinary() string {
	return fmt.Sprintf("vigil %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig() string {
	cfgFile := viper.ConfigFileUsed()
	if cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

func checkDefaultModel(app *App) string {
	if ref := app.Providers.DefaultRef(); ref != "" {
		return ref
	}
	return errorStyle.Render(fmt.Sprintf("%s unavailable (provider %q is not registered)",
		app.Config.Models.Default, config.ProviderFromModel(app.Config.Models.Default)))
}

func checkProviders(ctx context.Context, app *App) string {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	statuses := app.Providers.Statuses(ctx)
	if len(statuses) == 0 {
		return errorStyle.Render("none registered (set providers.<name>.api_key)")
	}
	parts := make([]string, 0, len(statuses))
	for _, name := range slices.Sorted(maps.Keys(statuses)) {
		st := statuses[name]
		if st.Available {
			parts = append(parts, successStyle.Render(name+" ok"))
			continue
		}
		msg := name + " unavailable"
		if st.Message != "" {
			msg += " (" + st.Message + ")"
		}
		parts = append(parts, errorStyle.Render(msg))
	}
	return strings.Join(parts, ", ")
}

func checkStorage(cfg *config.Config, dataDir string) string {
	if cfg.Storage.Backend == "none" {
		return "in memory (runs are not persisted)"
	}
	path := cfg.Storage.Path
	if path == "" {
		path = dataDir
	}
	return fmt.Sprintf("%s in %s", cfg.Storage.Backend, path)
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
