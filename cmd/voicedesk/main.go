// Command voicedesk holds live voice calls with a remote conversational
// agent, either one-shot from the terminal or driven through an HTTP control
// API.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is normal; anything else is worth a warning.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicedesk: load .env: %v\n", err)
	}

	if err := rootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:          "voicedesk",
		Short:        "Live voice calls with a remote conversational agent",
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "voicedesk.yaml", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&g), callCmd(&g))
	return cmd
}

// loadConfig reads the config file with environment overrides and installs
// the default logger. The returned level can be changed at runtime.
func loadConfig(g *globalFlags) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(g.configPath, config.WithEnv(os.LookupEnv))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", g.configPath)
		}
		return nil, nil, err
	}
	if g.logLevel != "" {
		lvl := config.LogLevel(g.logLevel)
		if !lvl.IsValid() {
			return nil, nil, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", g.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))
	return cfg, level, nil
}

// newLogger creates a text logger on stderr whose level follows lvl.
func newLogger(lvl slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

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
