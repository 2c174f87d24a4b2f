// cmd/overlayd consumes live bars from Redis Streams, runs the adaptive
// trail and volume profile overlays for every instrument, and publishes the
// rows to Redis and WebSocket clients.
//
// Usage:
//
//	go run ./cmd/overlayd --config=configs/overlayd.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"overlay-systemv1/config"
	"overlay-systemv1/internal/indengine"
	"overlay-systemv1/internal/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to a YAML/JSON/TOML config file (env OVERLAY_* overrides)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[overlayd] config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init("overlayd", cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[overlayd] logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	svc, err := indengine.New(cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}
