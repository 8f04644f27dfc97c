// Package cmd implements the CLI commands for abrengine.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/abrengine/internal/config"
	"github.com/jmylchreest/abrengine/internal/observability"
	"github.com/jmylchreest/abrengine/internal/version"
)

var (
	cfgFile string
	// cfg is loaded by the root PersistentPreRunE before any command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "abrengine",
	Short:   "Adaptive bitrate buffering engine",
	Version: version.Short(),
	Long: `abrengine is the core of an adaptive streaming client: it estimates
bandwidth, chooses representations and keeps media buffers filled across
periods while reacting to network conditions and playback position.

Use "simulate" to run the full engine against a modelled network, or
"probe" to measure a real origin with the engine's fetcher and estimator.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return initLogging()
	}

	// These flags are not bound to viper: they only override the loaded
	// configuration when explicitly set, keeping flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.abrengine/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

func loadConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if loaded.HTTP.UserAgent == version.ApplicationName {
		loaded.HTTP.UserAgent = version.UserAgent()
	}
	cfg = loaded
	return nil
}

// initLogging installs the default logger. Explicit --log-level and
// --log-format flags win over ABRENGINE_LOGGING_* and the config file.
func initLogging() error {
	logCfg := cfg.Logging
	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}

	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	cfg.Logging = logCfg

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	slog.SetDefault(logger)
	return nil
}
