// Package app wires storage, the engine, event fan-out and the HTTP surface into one
// runnable server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"mdplane/internal/config"
	"mdplane/internal/db"
	"mdplane/internal/engine"
	"mdplane/internal/engine/auth"
	"mdplane/internal/events"
	"mdplane/internal/migrate"
	"mdplane/internal/server"
	"mdplane/internal/webhook"
	"mdplane/internal/wshub"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sql.DB
	Engine   *engine.Engine
	Router   *events.Router
	Webhooks *webhook.Dispatcher
	Hub      *wshub.Hub
	Reaper   *engine.Reaper
	Handler  http.Handler
}

// NewLogger builds the process logger from the server section of cfg.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Server.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open opens and migrates the database in cfg's data directory.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	conn, err := db.Open(db.Config{DataDir: cfg.Server.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// New builds every component on top of an open database. Nothing runs until Run.
func New(cfg *config.Config, conn *sql.DB, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eng := engine.New(conn, cfg, logger)
	hub := wshub.New(wshub.OptionsFromConfig(cfg.WS), logger)
	dispatcher := webhook.New(eng.Repo, webhook.OptionsFromConfig(cfg.Webhooks), logger)
	router := &events.Router{
		Webhooks: eng.Repo,
		Enqueuer: dispatcher,
		Hub:      hub,
		Logger:   logger.With("component", "router"),
	}
	eng.Publisher = router

	handler, err := server.New(server.Config{
		Engine:   eng,
		Resolver: auth.Resolver{Repo: eng.Repo},
		Tokens: auth.TokenIssuer{
			Secret: cfg.Auth.TokenSecret,
			TTL:    cfg.SubscribeTokenTTL(),
		},
		Hub:       hub,
		PublicURL: cfg.Server.PublicURL,
		Logger:    logger.With("component", "http"),
	})
	if err != nil {
		return nil, err
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		DB:       conn,
		Engine:   eng,
		Router:   router,
		Webhooks: dispatcher,
		Hub:      hub,
		Reaper:   engine.NewReaper(eng, cfg.Claims.ReaperInterval(), logger),
		Handler:  handler,
	}, nil
}

// Start launches the background workers: webhook delivery and the claim reaper.
func (a *App) Start(ctx context.Context) {
	a.Webhooks.Start(ctx)
	go a.Reaper.Run(ctx)
}

// Run serves HTTP on ln (or the configured address) until ctx is cancelled, then shuts
// down gracefully.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.Config.Server.Addr); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.Start(runCtx)

	srv := &http.Server{Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.Logger.Info("mdplane listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.Hub.Close()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	err := srv.Shutdown(shutdownCtx)
	cancel()
	a.Webhooks.Close()
	return err
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
