// Package main is the entry point of the qsign key-pool service.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/turtacn/qsign/internal/bootstrap"
	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/infrastructure/monitoring"
	"github.com/turtacn/qsign/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config.yaml (default: /etc/qsign/config.yaml or ./config.yaml)")
	watch := flag.Bool("watch-config", true, "log a warning when the config file changes")
	flag.Parse()

	// Logger for startup
	startupLogger, err := monitoring.NewZapLogger(config.LogConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		log.Fatalf("Failed to create startup logger: %v", err)
	}

	loader := config.NewLoader(*configFile, startupLogger)
	cfg, err := loader.Load()
	if err != nil {
		startupLogger.Fatal(context.Background(), "Failed to load config", err)
	}
	if *watch && loader.ConfigFileUsed() != "" {
		loader.Watch(nil)
	}

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		startupLogger.Fatal(ctx, "Failed to assemble qsign", err)
	}
	app.Logger.Info(ctx, "Starting qsign",
		logger.String("config_file", loader.ConfigFileUsed()),
		logger.String("environment", cfg.Server.Environment),
	)

	if err := app.Run(ctx); err != nil {
		app.Logger.Fatal(ctx, "qsign exited with error", err)
	}
}
