// Package server serves the job API, history, exports and details used by
// the lookup page and the CLI client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ignea/consulta/internal/cache"
	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/lookup"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/store"
)

// Upstream is the subset of the CNPJá client the server needs.
type Upstream interface {
	Lookup(ctx context.Context, id string, onRetry lookup.RetryFunc) (protocol.ResultRow, error)
	Office(ctx context.Context, id string) (json.RawMessage, error)
	Credits(ctx context.Context) (json.RawMessage, error)
}

type Options struct {
	Config     config.Server
	RetryCount int
	Store      *store.Store
	Upstream   Upstream
	Cache      cache.Cache
	Location   *time.Location
}

type Server struct {
	cfg        config.Server
	retryCount int
	store      *store.Store
	upstream   Upstream
	cache      cache.Cache
	sessions   *sessionStore
	loc        *time.Location
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Server {
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Server{
		cfg:        opts.Config,
		retryCount: opts.RetryCount,
		store:      opts.Store,
		upstream:   opts.Upstream,
		cache:      c,
		sessions:   newSessionStore(),
		loc:        loc,
		sleep:      sleepContext,
	}
}

func (s *Server) Handler() http.Handler {
	return buildRouter(s)
}

// Run opens the store, cache and upstream client described by cfg and serves
// until ctx is cancelled.
func Run(ctx context.Context, cfg config.File) error {
	db, err := store.OpenConfig(ctx, cfg.Server.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	c, err := cache.New(ctx, cfg.Server.Cache)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	s := New(Options{
		Config:     cfg.Server,
		RetryCount: cfg.Upstream.RetryCount,
		Store:      db,
		Upstream:   lookup.New(cfg.Upstream, nil),
		Cache:      c,
		Location:   cfg.Server.Location(),
	})
	return s.Serve(ctx)
}

// Serve runs the HTTP listener, the mDNS advertiser and the scheduled jobs
// until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := s.schedule(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	stopMDNS := startMDNSAdvertiser(s.cfg)
	defer stopMDNS()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("consulta server started", "addr", s.cfg.Addr, "store", s.store.Driver())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("consulta server stopped")
	return nil
}

func (s *Server) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Credits.Refresh, func() {
		if _, err := s.refreshCredits(ctx); err != nil {
			slog.Warn("scheduled credits refresh failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule credits refresh %q: %w", s.cfg.Credits.Refresh, err)
	}
	if _, err := c.AddFunc("@every 1h", func() { s.sessions.prune() }); err != nil {
		return nil, fmt.Errorf("schedule session pruning: %w", err)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
