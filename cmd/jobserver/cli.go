package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixpig/jobsession/internal/config"
	"github.com/nixpig/jobsession/internal/drm/local"
	"github.com/nixpig/jobsession/internal/registry"
)

// shutdownTimeout bounds the graceful stop of the servers.
const shutdownTimeout = 10 * time.Second

func rootCmd() *cobra.Command {
	var configFile string

	c := &cobra.Command{
		Use:          "jobserver",
		Short:        "gRPC server running job sessions on the local host",
		Example:      "jobserver --debug --slots 8",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), configFile)
			if err != nil {
				return err
			}

			return runServer(cmd.Context(), cfg)
		},
	}

	c.Flags().StringVar(&configFile, "config", "", "Config file (default ~/.jobsession/config.yaml)")
	addFlags(c.Flags())

	return c
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Debug)

	opts := []local.Option{
		local.WithLogger(logger),
		local.WithSlots(cfg.Server.Slots),
		local.WithCgroupRoot(cfg.Server.CgroupRoot),
	}

	if len(cfg.Server.Categories) > 0 {
		opts = append(opts, local.WithCategories(cfg.Server.Categories))
	}

	manager, err := local.NewManager(opts...)
	if err != nil {
		return fmt.Errorf("create job manager: %w", err)
	}

	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("close job manager", "err", err)
		}
	}()

	store, err := registry.NewFileStore(cfg.SessionsDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	s := newServer(manager, store, logger, cfg)

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info("starting job server", "addr", listener.Addr().String())
		errCh <- s.start(listener)
	}()

	if cfg.Server.AdminPort != 0 {
		adminListener, err := net.Listen("tcp", cfg.Server.AdminAddr())
		if err != nil {
			s.shutdown(context.Background())
			return fmt.Errorf("listen admin: %w", err)
		}

		go func() {
			logger.Info("starting admin server", "addr", adminListener.Addr().String())
			errCh <- s.startAdmin(adminListener)
		}()
	}

	if err := s.startSweeper(); err != nil {
		s.shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server stopped", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.shutdown(shutdownCtx)

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
