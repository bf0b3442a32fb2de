package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/gitsource"
	"github.com/k11v/pages/internal/httpserver"
	"github.com/k11v/pages/internal/ingest"
	"github.com/k11v/pages/internal/ingest/ingesthttp"
	"github.com/k11v/pages/internal/job/jobamqp"
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

	statuses, closeStatuses, err := app.NewStatusStore(ctx, &cfg.Postgres, log)
	if err != nil {
		return err
	}
	defer closeStatuses()

	storage, err := app.NewStorage(&cfg.S3)
	if err != nil {
		return err
	}

	broker := jobamqp.NewBroker(&cfg.AMQP, "coordinator", log)
	defer broker.Close()

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	coordinator := ingest.NewCoordinator(
		&cfg.Coordinator,
		statuses,
		storage,
		broker,
		gitsource.NewFetcher(cfg.CloneDepth, log),
		rec,
		log,
	)
	handler := ingesthttp.NewHandler(coordinator, metrics.Handler(reg), log)
	server := httpserver.New(&cfg.Server, log, "coordinator", handler)

	return httpserver.Run(ctx, &cfg.Server, server, log)
}
