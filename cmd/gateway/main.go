package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/gateway"
	"github.com/k11v/pages/internal/httpserver"
	"github.com/k11v/pages/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	cfg, err := parseConfig(os.Environ())
	if err != nil {
		return err
	}
	log := app.NewLogger(cfg.Development)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := app.NewStorage(&cfg.S3)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	server := httpserver.New(&cfg.Server, log, "gateway", gateway.NewHandler(storage, rec, log))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler(reg))
	metricsServer := httpserver.New(&cfg.Metrics, log, "metrics", mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, &cfg.Server, server, log)
	})
	g.Go(func() error {
		return httpserver.Run(gctx, &cfg.Metrics, metricsServer, log)
	})
	return g.Wait()
}
