// Package buildexec runs the build toolchain over a job workspace.
package buildexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var ErrTimeout = errors.New("build timed out")

// ExitError reports a build that ran to completion with a non-zero exit code.
type ExitError struct {
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code is %d", e.ExitCode)
}

// IsBuildFailure reports whether err is the build's own failure rather than
// a failure to run it.
func IsBuildFailure(err error) bool {
	if exitErr := (*ExitError)(nil); errors.As(err, &exitErr) {
		return true
	}
	return errors.Is(err, ErrTimeout)
}

type ExecuteParams struct {
	JobID  string
	Dir    string       // workspace root
	Log    io.Writer    // receives stdout and stderr
	Logger *slog.Logger // default: slog.Default() with job_id
}

func (p *ExecuteParams) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default().With("job_id", p.JobID)
}

type ExecuteResult struct {
	ExitCode  int
	OutputDir string
	Duration  time.Duration
}

// Executor runs a build. A build that exits non-zero returns a result along with
// an *ExitError; a build that exceeds its timeout returns ErrTimeout.
type Executor interface {
	Execute(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error)
}

// Config is shared by the executors.
type Config struct {
	Kind      string        `env:"KIND" envDefault:"process"`
	Command   string        `env:"COMMAND" envDefault:"npm install && npm run build"`
	OutputDir string        `env:"OUTPUT_DIR" envDefault:"build"`
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"15m"`
	// Env names worker environment variables passed through to the build command.
	// Nothing else of the worker's environment reaches it.
	Env []string `env:"ENV" envSeparator:","`

	// Docker only.
	Image       string `env:"IMAGE" envDefault:"node:22-alpine"`
	Pull        bool   `env:"PULL" envDefault:"true"`
	NetworkMode string `env:"NETWORK_MODE" envDefault:"bridge"`
}

const (
	KindProcess = "process"
	KindDocker  = "docker"
)

func (cfg *Config) validate() error {
	if cfg.Command == "" {
		return errors.New("empty command")
	}
	if !filepath.IsLocal(filepath.FromSlash(cfg.OutputDir)) {
		return fmt.Errorf("output dir %q is not local", cfg.OutputDir)
	}
	return nil
}

// baseEnv is passed through to process builds when set in the worker's environment.
var baseEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// buildEnv returns CI=true and the named variables of the worker's environment that are set.
func buildEnv(names ...[]string) []string {
	env := []string{"CI=true"}
	for _, ns := range names {
		for _, name := range ns {
			if v, found := os.LookupEnv(name); found {
				env = append(env, name+"="+v)
			}
		}
	}
	return env
}

// New returns the executor named by cfg.Kind.
func New(cfg *Config) (Executor, error) {
	switch cfg.Kind {
	case KindProcess, "":
		return NewProcessExecutor(cfg)
	case KindDocker:
		return NewDockerExecutor(cfg)
	default:
		return nil, fmt.Errorf("buildexec: unknown kind %q", cfg.Kind)
	}
}
