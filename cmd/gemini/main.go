// Command gemini emulates a satellite constellation network: it tracks the
// constellation with SGP4, keeps the link topology and all-pairs routes up to
// date and pushes delays and routes to the emulation hosts.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/config"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/logging"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRoot() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:   "gemini",
		Short: "Satellite constellation network emulator",
		Args:  cobra.NoArgs,
		// Errors are printed in main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath, "config file")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newRun(&g),
		newRoutes(&g),
		newVersion(),
	)
	return cmd
}

// setup loads the configuration and builds the logger. The config file may
// be absent unless it was named explicitly.
func (g *globalFlags) setup(cmd *cobra.Command) (config.Config, *slog.Logger, io.Closer, error) {
	required := false
	if f := cmd.Flag("config"); f != nil {
		required = f.Changed
	}
	cfg, err := config.Load(g.configPath, required, os.LookupEnv, logging.Bootstrap())
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if g.verbose {
		level = slog.LevelDebug
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, closer, nil
}
