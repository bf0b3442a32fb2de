package main

import (
	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/buildexec"
	"github.com/k11v/pages/internal/httpserver"
	"github.com/k11v/pages/internal/job/jobamqp"
	"github.com/k11v/pages/internal/postgresutil"
	"github.com/k11v/pages/internal/s3util"
	"github.com/k11v/pages/internal/worker"
)

const defaultMetricsPort = 9090

// config holds the application configuration.
type config struct {
	Development bool                `env:"PAGES_DEVELOPMENT"`
	Worker      worker.Config       `envPrefix:"PAGES_WORKER_"`
	Build       buildexec.Config    `envPrefix:"PAGES_BUILD_"`
	Postgres    postgresutil.Config `envPrefix:"PAGES_POSTGRES_"`
	S3          s3util.Config       `envPrefix:"PAGES_S3_"`
	AMQP        jobamqp.Config      `envPrefix:"PAGES_AMQP_"`
	Metrics     httpserver.Config   `envPrefix:"PAGES_METRICS_"` // default port: 9090
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config
	if err := app.ParseConfig(&cfg, environ); err != nil {
		return nil, err
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaultMetricsPort
	}
	return &cfg, nil
}
