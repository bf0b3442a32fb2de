// Package app wires the pipeline components into processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/job/jobamqp"
	"github.com/k11v/pages/internal/job/jobmem"
	"github.com/k11v/pages/internal/job/jobpg"
	"github.com/k11v/pages/internal/job/jobs3"
	"github.com/k11v/pages/internal/postgresutil"
	"github.com/k11v/pages/internal/s3util"
)

// ParseConfig loads the .env file of the working directory, if any,
// and parses cfg from it and environ. Values in environ win.
func ParseConfig(cfg any, environ []string) error {
	dotenv, err := godotenv.Read()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("app: %w", err)
	}

	m := env.ToMap(environ)
	for k, v := range dotenv {
		if _, found := m[k]; !found {
			m[k] = v
		}
	}

	if err = env.ParseWithOptions(cfg, env.Options{Environment: m}); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// NewLogger returns a JSON logger on stderr, or a text logger at debug level in development.
func NewLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// NewStatusStore returns the PostgreSQL status store if cfg has a URL
// and the in-memory one otherwise. The returned func releases it.
func NewStatusStore(ctx context.Context, cfg *postgresutil.Config, log *slog.Logger) (job.StatusStore, func(), error) {
	if cfg.URL == "" {
		log.Warn("using in-memory status store", "reason", "postgres url is not set")
		return jobmem.NewStatusStore(), func() {}, nil
	}

	db, err := postgresutil.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	return jobpg.NewStatusStore(db), db.Close, nil
}

// NewStorage returns the S3 object store described by cfg.
func NewStorage(cfg *s3util.Config) (*jobs3.Storage, error) {
	client, err := s3util.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return jobs3.NewStorage(client, cfg.Bucket), nil
}

// Setup provisions the bucket, the queue topology and, if cfg has a URL, the status schema.
// It is safe to run repeatedly.
func Setup(ctx context.Context, s3Cfg *s3util.Config, amqpCfg *jobamqp.Config, pgCfg *postgresutil.Config, log *slog.Logger) error {
	client, err := s3util.NewClient(s3Cfg)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err = s3util.Setup(ctx, client, s3Cfg); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	log.Info("set up bucket", "bucket", s3Cfg.Bucket)

	broker := jobamqp.NewBroker(amqpCfg, "setup", log)
	defer broker.Close()
	if err = broker.Setup(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	log.Info("set up queues", "queue", amqpCfg.Queue)

	if pgCfg.URL == "" {
		log.Info("skipped status schema", "reason", "postgres url is not set")
		return nil
	}
	if err = jobpg.Setup(pgCfg.URL); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	log.Info("set up status schema")
	return nil
}
