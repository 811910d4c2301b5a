package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/api"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/auth"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/config"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/emulator"
	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/stream"
)

const shutdownTimeout = 5 * time.Second

func newRun(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("emulator stopped", "error", err)
				return err
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	em, err := buildEmulation(ctx, cfg, logger)
	if err != nil {
		return err
	}
	plane, err := buildControlPlane(cfg, em.graph.Nodes(), logger)
	if err != nil {
		return err
	}

	opts := []emulator.Option{emulator.WithInterval(cfg.UpdateInterval)}
	if !cfg.Clock.Start.IsZero() {
		opts = append(opts, emulator.WithClock(emulator.EmulatedClock(cfg.Clock.Start, cfg.Clock.Speed, time.Now)))
		logger.Info("using emulated clock", "start", cfg.Clock.Start.Format(time.RFC3339), "speed", cfg.Clock.Speed)
	}
	loop := emulator.New(em.graph, em.router, plane, logger, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if cfg.HTTPAddr != "" {
		srv := api.NewServer(cfg.HTTPAddr, loop, logger,
			auth.Config{Token: cfg.APIToken},
			stream.Config{MaxConcurrentPerIP: cfg.StreamMaxPerIP, TrustProxy: cfg.TrustProxy},
		)
		g.Go(func() error {
			logger.Info("starting HTTP server", "addr", cfg.HTTPAddr, "auth", cfg.APIToken != "")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
