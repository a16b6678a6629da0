// Command streamfarm is the capture farm daemon and its operator CLI.
//
// The daemon (streamfarm run):
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Takes the claims directory, sweeping stale markers when no other farm shares it.
//   - Optionally connects to Postgres for the capture catalog and runs migrations.
//   - Runs the capture, room-watch and resolve loops plus the status server.
//
// Shutdown is graceful on SIGINT/SIGTERM: loops stop dispatching, running captures get
// DRAIN_GRACE to finish, then recorders are interrupted and their segments assembled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamfarm/config"
)

var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// cli carries state shared by subcommands.
type cli struct {
	configFile string
	cfg        *config.Config
}

func (c *cli) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	if c.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", c.configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "streamfarm",
		Short:         "Capture live broadcasts to disk",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is a local dev convenience; production relies on real env
			_ = godotenv.Load()
			setupLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "TOML configuration file (default config/config.toml)")

	root.AddCommand(newRunCommand(c))
	root.AddCommand(newResolveCommand(c))
	root.AddCommand(newLookupCommand(c))
	root.AddCommand(newAssembleCommand(c))
	root.AddCommand(newClaimsCommand(c))
	root.AddCommand(newSweepCommand(c))
	root.AddCommand(newCatalogCommand(c))
	root.AddCommand(newMigrateCommand(c))
	return root
}

// setupLogging installs the default slog logger. Defaults: level=info, format=text.
func setupLogging(level, format string, w io.Writer) slog.Level {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	return lvl
}
