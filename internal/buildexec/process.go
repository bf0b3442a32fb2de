package buildexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

var _ Executor = (*ProcessExecutor)(nil)

// ProcessExecutor runs the build command with sh in the workspace.
type ProcessExecutor struct {
	command   string
	outputDir string
	timeout   time.Duration
	env       []string // the complete environment of the command
}

func NewProcessExecutor(cfg *Config) (*ProcessExecutor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("buildexec.ProcessExecutor: %w", err)
	}
	return &ProcessExecutor{
		command:   cfg.Command,
		outputDir: filepath.FromSlash(cfg.OutputDir),
		timeout:   cfg.Timeout,
		env:       buildEnv(baseEnv, cfg.Env),
	}, nil
}

// Execute implements Executor.
func (e *ProcessExecutor) Execute(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Dir = params.Dir
	cmd.Env = e.env
	cmd.Stdout = params.Log
	cmd.Stderr = params.Log
	// Descendants may hold the output pipes open after sh is killed.
	cmd.WaitDelay = 5 * time.Second

	result := &ExecuteResult{
		ExitCode:  -1,
		OutputDir: filepath.Join(params.Dir, e.outputDir),
	}
	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("buildexec.ProcessExecutor: %w after %s", ErrTimeout, e.timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("buildexec.ProcessExecutor: %w", ctx.Err())
		}
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("buildexec.ProcessExecutor: %w", &ExitError{ExitCode: result.ExitCode})
		}
		return nil, fmt.Errorf("buildexec.ProcessExecutor: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}
