// Command coinjoind serves the fixed-denomination mixing pools over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/coinjoin/internal/app/runtime"
	"github.com/R3E-Network/coinjoin/internal/config"
	"github.com/R3E-Network/coinjoin/pkg/logger"
)

func main() {
	envFile := flag.String("env", ".env", "Optional .env file loaded before the environment is decoded")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLog := logger.New(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := runtime.NewApplication(ctx, cfg, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("build application")
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		appLog.WithError(runErr).Error("coinjoind stopped unexpectedly")
	}

	appLog.Info("shutting down")
	if err := application.Shutdown(context.Background()); err != nil {
		appLog.WithError(err).Error("shutdown")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	appLog.Info("coinjoind stopped")
}
