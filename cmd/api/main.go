package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/scholarchat/internal/adapters/http"
	"github.com/kirillkom/scholarchat/internal/bootstrap"
	"github.com/kirillkom/scholarchat/internal/config"
	"github.com/kirillkom/scholarchat/internal/core/usecase"
	"github.com/kirillkom/scholarchat/internal/observability/logging"
)

const serviceName = "scholarchat-api"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	sessions := usecase.NewSessions(time.Duration(cfg.SessionTTLMinutes) * time.Minute)
	go sessions.RunEviction(ctx, time.Minute)

	go func() {
		if err := app.SubscribeUpdates(ctx); err != nil {
			slog.Error("kb_subscription_failed", "error", err)
		}
	}()

	router := httpadapter.NewRouter(
		cfg,
		app.Ingest,
		app.State,
		app.Answers,
		app.Chat,
		sessions,
		httpadapter.WithMetrics(app.Metrics),
	).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// Streams and ingestion of large batches outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
