package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"entity-scale/server/internal/app"
	"entity-scale/server/internal/config"
	"entity-scale/server/internal/telemetry"
)

func main() {
	logger := telemetry.WrapLogger(log.Default())
	settings, err := config.Load(logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Logger: logger, Settings: settings}); err != nil {
		log.Fatalf("%v", err)
	}
}
