// Campaigner - bulk messaging and history backup engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ecanizales/campaigner/internal/api"
	"github.com/ecanizales/campaigner/internal/auth"
	"github.com/ecanizales/campaigner/internal/browser"
	"github.com/ecanizales/campaigner/internal/config"
	"github.com/ecanizales/campaigner/internal/ledger"
	"github.com/ecanizales/campaigner/internal/monitor"
	"github.com/ecanizales/campaigner/internal/remote"
	"github.com/ecanizales/campaigner/internal/session"
	"github.com/ecanizales/campaigner/internal/surface"
	"github.com/ecanizales/campaigner/internal/wa"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting campaigner", "port", cfg.Port, "campaign", cfg.CampaignID)

	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close ledger", "error", closeErr)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("Ledger health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Ledger connected", "path", cfg.DBPath)

	// Remote collaborators.
	creds := remote.NewCredentials(remote.NewClient(cfg.Stores.Credentials, logger))
	assigns := remote.NewAssignments(remote.NewClient(cfg.Stores.Assignments, logger))
	backups := remote.NewBackups(remote.NewClient(cfg.Stores.Backups, logger))
	media := remote.NewMedia(remote.NewClient(cfg.Stores.Media, logger))
	crm := remote.NewCRM(remote.NewClient(cfg.Stores.CRM, logger))
	interactions := remote.NewInteractions(remote.NewClient(cfg.Stores.Interactions, logger))

	// Browser lifecycle: docker unless attaching to an external one.
	var launcher browser.Launcher
	if cfg.Browser.DebugURL != "" {
		launcher = browser.Attach{DebugURL: cfg.Browser.DebugURL}
		slog.Info("Attaching to external browser", "debug_url", cfg.Browser.DebugURL)
	} else {
		launcher, err = browser.NewDockerLauncher(cfg.Browser.Image, logger)
		if err != nil {
			slog.Error("Failed to initialize browser launcher", "error", err)
			os.Exit(1)
		}
	}

	verifier := auth.NewVerifier(creds, logger)
	sessions := session.NewManager(verifier, store, logger)
	sessions.LinkTimeout = cfg.LinkTimeout

	hub := api.NewHub(logger)
	engine := api.NewEngine(cfg, sessions, launcher, store, assigns, creds, backups, media, hub, logger)
	handler := api.NewHandler(engine, hub)

	// Router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // progress feed holds connections open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The unread monitor runs against its own pre-linked browser session,
	// never the engine's.
	if cfg.MonitorDebugURL != "" && cfg.UnreadInterval > 0 {
		go runMonitor(ctx, cfg, crm, interactions, logger)
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped")
}

// runMonitor attaches to the monitor's browser, locks everything but the
// unread filter and polls until shutdown.
func runMonitor(ctx context.Context, cfg *config.Config, crm *remote.CRM, interactions *remote.Interactions, logger *slog.Logger) {
	surf, err := surface.Connect(ctx, cfg.MonitorDebugURL, logger)
	if err != nil {
		slog.Error("Monitor surface connect failed", "error", err)
		return
	}
	defer func() {
		if closeErr := surf.Close(); closeErr != nil {
			slog.Debug("Monitor surface close failed", "error", closeErr)
		}
	}()

	sel, err := wa.LoadSelectors(cfg.SelectorsPath)
	if err != nil {
		slog.Error("Monitor selector load failed", "error", err)
		return
	}
	client := wa.NewClient(surf, sel)

	if err := client.Open(ctx); err != nil {
		slog.Error("Monitor client open failed", "error", err)
		return
	}
	if err := client.WaitLinked(ctx, cfg.LinkTimeout); err != nil {
		slog.Error("Monitor session not linked", "error", err)
		return
	}
	if err := client.AssertLock(ctx, sel.UnreadFilter); err != nil {
		slog.Warn("Monitor lock overlay not asserted", "error", err)
	}

	m := monitor.New(client, crm, interactions, cfg.CampaignID, cfg.UnreadInterval, logger)
	slog.Info("Unread monitor started", "interval", cfg.UnreadInterval)
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Unread monitor stopped", "error", err)
	}
}
