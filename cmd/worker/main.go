package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/buildexec"
	"github.com/k11v/pages/internal/httpserver"
	"github.com/k11v/pages/internal/job/jobamqp"
	"github.com/k11v/pages/internal/metrics"
	"github.com/k11v/pages/internal/worker"
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

	broker := jobamqp.NewBroker(&cfg.AMQP, "worker", log)
	defer broker.Close()

	executor, err := buildexec.New(&cfg.Build)
	if err != nil {
		return err
	}
	if c, ok := executor.(io.Closer); ok {
		defer c.Close()
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)

	w := worker.NewWorker(&cfg.Worker, statuses, storage, broker, executor, rec, log)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(reg))
	metricsServer := httpserver.New(&cfg.Metrics, log, "metrics", mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return httpserver.Run(gctx, &cfg.Metrics, metricsServer, log)
	})
	return g.Wait()
}
