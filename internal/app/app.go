// Package app wires the coach together: storage, Matrix transport,
// inference client, message router, broadcasts, scheduler, and the
// health/metrics HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/saveup/coach/internal/broadcast"
	"github.com/saveup/coach/internal/config"
	"github.com/saveup/coach/internal/content"
	"github.com/saveup/coach/internal/goals"
	"github.com/saveup/coach/internal/inference"
	"github.com/saveup/coach/internal/matrix"
	"github.com/saveup/coach/internal/metrics"
	"github.com/saveup/coach/internal/optin"
	"github.com/saveup/coach/internal/quota"
	"github.com/saveup/coach/internal/router"
	"github.com/saveup/coach/internal/schedule"
	"github.com/saveup/coach/internal/store"
)

// App is the assembled coach.
type App struct {
	config      *config.Config
	store       *store.Store
	matrix      *matrix.Client
	router      *router.Router
	broadcaster *broadcast.Broadcaster
	runner      *schedule.Runner
	health      *HealthServer
}

// New builds the full application from configuration. Nothing is started
// yet; call Run.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	pack := content.NewLoader()
	if cfg.ContentPackFile != "" {
		if err := pack.LoadFile(cfg.ContentPackFile); err != nil {
			st.Close()
			return nil, fmt.Errorf("load content pack: %w", err)
		}
		slog.Info("content pack loaded", "path", cfg.ContentPackFile)
	}

	slog.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
	mx, err := matrix.New(cfg.Matrix, st, matrix.NewDBSyncStore(st.DB()))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initialize Matrix client: %w", err)
	}

	infCfg := cfg.Inference
	if infCfg.AssistantInstructions == "" {
		infCfg.AssistantInstructions = pack.Pack().SystemPrompt
	}
	inf := inference.New(infCfg)

	prefs := optin.NewStore()
	rt := router.New(router.Config{
		OptInEnabled:       cfg.OptInEnabled,
		MaxReplyCharacters: cfg.MaxReplyCharacters,
	}, mx, inf, st, quota.NewTracker(cfg.Quota), goals.NewStore(), prefs, pack)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics.Register(registry)

	var health *HealthServer
	if cfg.HTTPAddr != "" {
		health = NewHealthServer(cfg.HTTPAddr, st, registry)
		slog.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return &App{
		config:      cfg,
		store:       st,
		matrix:      mx,
		router:      rt,
		broadcaster: broadcast.New(mx, pack, prefs, st),
		runner:      schedule.NewRunner(),
		health:      health,
	}, nil
}

// Run starts every component and blocks until an interrupt signal.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	err := a.matrix.Start(matrix.Handlers{
		Text:     a.router.HandleText,
		Document: a.router.HandleDocument,
	})
	if err != nil {
		return fmt.Errorf("start Matrix client: %w", err)
	}

	if err := a.runner.Add("daily_tip", a.config.TipSchedule, func(ctx context.Context) {
		a.broadcaster.SendDailyTip(ctx)
	}); err != nil {
		return err
	}
	if err := a.runner.Add("daily_digest", a.config.DigestSchedule, func(ctx context.Context) {
		a.broadcaster.SendDailyDigest(ctx)
	}); err != nil {
		return err
	}

	slog.Info("SaveUp Coach is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the application down in reverse start order.
func (a *App) Stop() {
	slog.Info("stopping scheduler")
	a.runner.Stop()

	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.health != nil {
		slog.Info("stopping health server")
		a.health.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}
