package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/scholarchat/internal/adapters/cli"
	"github.com/kirillkom/scholarchat/internal/bootstrap"
	"github.com/kirillkom/scholarchat/internal/config"
	"github.com/kirillkom/scholarchat/internal/observability/logging"
)

const serviceName = "scholarchat-cli"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var app *bootstrap.App
	root := cli.NewRootCommand(func(ctx context.Context) (*cli.Services, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		level := cfg.LogLevel
		if os.Getenv("LOG_LEVEL") == "" {
			level = "warn"
		}
		slog.SetDefault(logging.NewLogger(os.Stderr, serviceName, level))

		app, err = bootstrap.New(ctx, cfg, serviceName)
		if err != nil {
			return nil, err
		}
		return &cli.Services{
			Ingest:  app.Ingest,
			KB:      app.State,
			Answers: app.Answers,
			Chat:    app.Chat,
		}, nil
	})

	err := root.ExecuteContext(ctx)
	if app != nil {
		app.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
