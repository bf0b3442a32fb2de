package main

import (
	"github.com/k11v/pages/internal/app"
	"github.com/k11v/pages/internal/job/jobamqp"
	"github.com/k11v/pages/internal/postgresutil"
	"github.com/k11v/pages/internal/s3util"
)

// config holds the application configuration.
type config struct {
	Development bool                `env:"PAGES_DEVELOPMENT"`
	Postgres    postgresutil.Config `envPrefix:"PAGES_POSTGRES_"`
	S3          s3util.Config       `envPrefix:"PAGES_S3_"`
	AMQP        jobamqp.Config      `envPrefix:"PAGES_AMQP_"`
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config
	if err := app.ParseConfig(&cfg, environ); err != nil {
		return nil, err
	}
	return &cfg, nil
}
