// Command orchestrator 运行订单 saga 编排器
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
	cfg, err := config.Load("order-saga-orchestrator")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := app.NewLogger(cfg, os.Stdout)

	engine := server.NewEngine(app.NewOrchestratorServer(cfg, logger),
		server.WithVersion(version),
		server.WithStartupTimeout(cfg.StartupTimeout),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
		server.WithLogger(logger))
	if err := engine.Start(context.Background()); err != nil {
		logger.Error(context.Background(), "orchestrator exited", logging.Error(err))
		os.Exit(1)
	}
}
