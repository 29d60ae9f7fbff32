package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud-companion/companion/internal/bootstrap/config"
	"cloud-companion/companion/internal/companion"
	"cloud-companion/companion/internal/httpapi"
	"cloud-companion/companion/internal/metrics"
	"cloud-companion/companion/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to companion.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for keys.json and pinned content (optional)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address override")
	httpToken := flag.String("http-token", "", "Bearer token for management endpoints (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("companion version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *httpAddr != "" {
		_ = os.Setenv("COMPANION_HTTP_ADDR", *httpAddr)
	}
	if *httpToken != "" {
		_ = os.Setenv("COMPANION_HTTP_TOKEN", *httpToken)
	}
	if *transport != "" {
		_ = os.Setenv("COMPANION_NETWORK_TRANSPORT", *transport)
	}

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("companion failed to load config: %v", err)
	}
	logger := slog.New(privacylog.WrapHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}),
	))
	slog.SetDefault(logger)

	m := metrics.New()
	svc, err := companion.New(cfg, companion.Options{Logger: logger, Metrics: m})
	if err != nil {
		log.Fatalf("companion failed to initialize: %v", err)
	}
	srv := httpapi.New(cfg.HTTP, svc, m.Handler(), logger)

	logger.Info("companion starting",
		"version", version,
		"transport", cfg.Network.Transport,
		"http_addr", cfg.HTTP.Addr,
		"data_dir", cfg.Storage.DataDir,
	)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("companion failed: %v", err)
	}
	logger.Info("companion stopped")
}
