// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package main

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/vigil/internal/config"
	"github.com/sigil-dev/vigil/internal/secrets"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

// NewRootCmd creates the root vigil command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	// Each root command starts from a clean global Viper so repeated
	// executions in one process do not share state.
	viper.Reset()

	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Vigil: SRE diagnostic agent",
		Long:          "Vigil answers operational questions, analyzes incidents and predicts failure risk from Loki, Prometheus and Jaeger data.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initViper(cmd); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr())
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newAnalyzeCmd(),
		newPredictCmd(),
		newRunsCmd(),
		newDoctorCmd(),
		newSecretCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	if err := loadEnvFile(cmd); err != nil {
		return err
	}

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted: with it set, Viper also tries the bare
		// name, which collides with a ./vigil binary.
		v.SetConfigName("vigil")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/vigil")
		v.AddConfigPath("/etc/vigil")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if path := bootstrapPath(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	if err := v.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return vigilerr.Errorf(vigilerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	return nil
}

// loadEnvFile exports the variables of the --env-file. A missing file is
// fine; a malformed one is not. Variables already set keep their value.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return vigilerr.Errorf(vigilerr.CodeConfigLoadReadFailure, "loading %s: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

func bootstrapPath() string {
	path, err := config.DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	return config.BootstrapConfig(path)
}

// setupLogging installs the default slog handler from logging.* and --verbose.
func setupLogging(w io.Writer) {
	slog.SetDefault(newLogger(w, viper.GetString("logging.format"), viper.GetString("logging.level"), viper.GetBool("verbose")))
}

func newLogger(w io.Writer, format, level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig resolves keyring references held by the global Viper and
// decodes the result. Unresolvable references are logged and left in place;
// providers whose key is still a reference are skipped when wiring.
func loadConfig() (*config.Config, error) {
	v := viper.GetViper()
	if err := secrets.ResolveViper(v, secretStoreFactory()); err != nil {
		slog.Warn("some secrets could not be resolved", "error", err)
	}
	if path := v.ConfigFileUsed(); path != "" {
		config.WarnInsecurePermissions(path)
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveDataDir returns the data directory from config or the default.
func resolveDataDir(cfg *config.Config) string {
	if cfg != nil && cfg.DataDir != "" {
		return cfg.DataDir
	}
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vigil")
}
