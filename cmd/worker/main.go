package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"reminders/internal/app"
	"reminders/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	logger := a.Logger

	if a.Rabbit != nil {
		if err := a.Rabbit.StartConsumer(ctx, a.Store); err != nil {
			logger.WithError(err).Fatal("Failed to start analytics consumer")
		}
	}

	// Catch up on anything that fell due while the worker was down.
	if _, err := a.Trigger.RunOnce(ctx); err != nil {
		logger.WithError(err).Warn("Startup sweep failed")
	}

	a.Trigger.Start(ctx)
	logger.WithField("schedule", cfg.Worker.Schedule).Info("Worker started successfully")

	<-ctx.Done()
	logger.Info("Shutting down worker...")
	a.Trigger.Stop()
}
