package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"

	"github.com/nixpig/jobsession/internal/config"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drm/remote"
	"github.com/nixpig/jobsession/internal/registry"
	"github.com/nixpig/jobsession/internal/tlsconfig"
)

type server struct {
	backend drm.Backend
	store   *registry.FileStore
	logger  *slog.Logger
	cfg     *config.Config

	grpcServer  *grpc.Server
	adminServer *http.Server
	cron        *cron.Cron

	mu sync.Mutex
}

func newServer(
	backend drm.Backend,
	store *registry.FileStore,
	logger *slog.Logger,
	cfg *config.Config,
) *server {
	return &server{backend: backend, store: store, logger: logger, cfg: cfg}
}

// start serves the resource manager on listener until shutdown.
func (s *server) start(listener net.Listener) error {
	tlsCreds, err := tlsconfig.Credentials(&tlsconfig.Config{
		CertPath:   s.cfg.Server.TLS.CertPath,
		KeyPath:    s.cfg.Server.TLS.KeyPath,
		CACertPath: s.cfg.Server.TLS.CACertPath,
		Server:     true,
	})
	if err != nil {
		return fmt.Errorf("load TLS credentials: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			authUnaryInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			contextCheckStreamInterceptor,
			authStreamInterceptor(s.logger),
		),
		grpc.Creds(tlsCreds),
	)

	remote.NewServer(s.backend, s.store, s.logger).Register(grpcServer)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	return grpcServer.Serve(listener)
}

// startAdmin serves the admin HTTP API on listener until shutdown.
func (s *server) startAdmin(listener net.Listener) error {
	adminServer := &http.Server{Handler: s.router()}

	s.mu.Lock()
	s.adminServer = adminServer
	s.mu.Unlock()

	if err := adminServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// startSweeper schedules sweep on the configured schedule.
func (s *server) startSweeper() error {
	c := cron.New()

	if _, err := c.AddFunc(s.cfg.Sweep.Schedule, func() {
		s.sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Sweep.Schedule, err)
	}

	c.Start()

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	return nil
}

func (s *server) shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown admin server", "err", err)
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// sweep drops the handles of dead local processes and reaps terminal jobs
// whose session no longer exists.
func (s *server) sweep(ctx context.Context) {
	pruned, err := s.store.Prune(ctx)
	if err != nil {
		s.logger.Warn("prune sessions", "err", err)
	} else if pruned > 0 {
		s.logger.Info("pruned dead session handles", "count", pruned)
	}

	orphans, err := s.orphans(ctx)
	if err != nil {
		s.logger.Warn("find orphaned jobs", "err", err)
		return
	}

	for _, id := range orphans {
		state, _, err := s.backend.State(ctx, id)
		if err != nil {
			s.logger.Warn("get orphaned job state", "id", id, "err", err)
			continue
		}

		if !state.IsTerminal() {
			continue
		}

		if err := s.backend.Reap(ctx, id); err != nil {
			s.logger.Warn("reap orphaned job", "id", id, "err", err)
			continue
		}

		s.logger.Info("reaped orphaned job", "id", id, "state", state.String())
	}
}

// orphans returns the jobs of sessions missing from the store.
func (s *server) orphans(ctx context.Context) ([]string, error) {
	names, err := s.store.Names(ctx)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]struct{})

	for _, name := range names {
		ids, err := s.backend.Jobs(ctx, name)
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			owned[id] = struct{}{}
		}
	}

	all, err := s.backend.Jobs(ctx, "")
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(all, func(id string) bool {
		_, ok := owned[id]
		return ok
	}), nil
}
