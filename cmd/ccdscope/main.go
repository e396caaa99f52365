// Command ccdscope streams, displays and records frames from a linear CCD
// sensor board attached over a serial port.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/ccdscope/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "ccdscope",
		Short:         "Linear CCD sensor oscilloscope",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "ccdscope.yaml", "path to the YAML configuration file (missing file: defaults)")
	pf.StringVar(&opts.logLevel, "log-level", "", "override log_level: debug, info, warn, error")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newPortsCmd(opts))
	rootCmd.AddCommand(newInspectCmd(opts))

	return rootCmd
}

// loadConfig reads the configuration file and applies the shared flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = config.LogLevel(o.logLevel)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger returns a text logger on stderr whose level follows lvl, so a
// config reload can change it.
func newLogger(lvl slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
