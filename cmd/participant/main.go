// Command participant 运行单个 saga 参与方（product、coupon 或 user）
package main

import (
	"context"
	"fmt"
	"os"

	"ordersaga/app"
	"ordersaga/config"
	"ordersaga/logging"
	"ordersaga/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load("order-saga-participant")
	if err == nil && cfg.ParticipantDomain == "" {
		err = fmt.Errorf("PARTICIPANT_DOMAIN is required")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if os.Getenv("SERVICE_NAME") == "" {
		cfg.ServiceName = "order-saga-" + cfg.ParticipantDomain
	}
	logger := app.NewLogger(cfg, os.Stdout)

	engine := server.NewEngine(app.NewParticipantServer(cfg, logger),
		server.WithVersion(version),
		server.WithStartupTimeout(cfg.StartupTimeout),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
		server.WithLogger(logger))
	if err := engine.Start(context.Background()); err != nil {
		logger.Error(context.Background(), "participant exited", logging.Error(err))
		os.Exit(1)
	}
}
