package main

import (
	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/httpserver"
	"github.com/k11v/pages/internal/s3util"
)

const defaultMetricsPort = 9090

// config holds the application configuration.
type config struct {
	Development bool              `env:"PAGES_DEVELOPMENT"`
	S3          s3util.Config     `envPrefix:"PAGES_S3_"`
	Server      httpserver.Config `envPrefix:"PAGES_SERVER_"`
	Metrics     httpserver.Config `envPrefix:"PAGES_METRICS_"` // default port: 9090
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
