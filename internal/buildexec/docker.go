package buildexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ Executor = (*DockerExecutor)(nil)

const workspaceTarget = "/workspace"

// DockerExecutor runs the build command in a throwaway container with the
// workspace bind-mounted.
type DockerExecutor struct {
	cli         *client.Client // required
	image       string
	command     string
	outputDir   string
	timeout     time.Duration
	pull        bool
	networkMode string
	env         []string
}

func NewDockerExecutor(cfg *Config) (*DockerExecutor, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}
	return &DockerExecutor{
		cli:         cli,
		image:       cfg.Image,
		command:     cfg.Command,
		outputDir:   filepath.FromSlash(cfg.OutputDir),
		timeout:     cfg.Timeout,
		pull:        cfg.Pull,
		networkMode: cfg.NetworkMode,
		env:         append(buildEnv(cfg.Env), "HOME=/tmp"),
	}, nil
}

// Execute implements Executor.
func (e *DockerExecutor) Execute(ctx context.Context, params *ExecuteParams) (*ExecuteResult, error) {
	log := params.logger().With("executor", KindDocker)

	dir, err := filepath.Abs(params.Dir)
	if err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}

	if e.pull {
		if err = e.pullImage(ctx); err != nil {
			return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cont, err := e.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        e.image,
			Entrypoint:   strslice.StrSlice{},
			Cmd:          strslice.StrSlice{"sh", "-c", e.command},
			WorkingDir:   workspaceTarget,
			User:         strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),
			Env:          e.env,
			AttachStdout: true,
			AttachStderr: true,
			Labels:       map[string]string{"pages.job-id": params.JobID},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(e.networkMode),
			CapDrop:     strslice.StrSlice{"ALL"},
			CapAdd:      strslice.StrSlice{"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FSETID", "CAP_FOWNER", "CAP_SETGID", "CAP_SETUID", "CAP_KILL"},
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: dir,
				Target: workspaceTarget,
			}},
		},
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if removeErr := e.cli.ContainerRemove(removeCtx, cont.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			log.Error("didn't remove container", "container_id", cont.ID, "error", removeErr)
		}
	}()

	conn, err := e.cli.ContainerAttach(ctx, cont.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}
	defer conn.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(params.Log, params.Log, conn.Reader)
		copyDone <- copyErr
	}()

	waitCh, errCh := e.cli.ContainerWait(ctx, cont.ID, container.WaitConditionNextExit)

	result := &ExecuteResult{
		ExitCode:  -1,
		OutputDir: filepath.Join(params.Dir, e.outputDir),
	}
	start := time.Now()
	if err = e.cli.ContainerStart(ctx, cont.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}

	select {
	case resp := <-waitCh:
		result.Duration = time.Since(start)
		if resp.Error != nil {
			return nil, fmt.Errorf("buildexec.DockerExecutor: %s", resp.Error.Message)
		}
		result.ExitCode = int(resp.StatusCode)
	case err = <-errCh:
		result.Duration = time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("buildexec.DockerExecutor: %w after %s", ErrTimeout, e.timeout)
		}
		return nil, fmt.Errorf("buildexec.DockerExecutor: %w", err)
	}

	// The attach stream ends when the container exits.
	select {
	case err = <-copyDone:
		if err != nil {
			log.Warn("didn't copy container output", "error", err)
		}
	case <-time.After(5 * time.Second):
	}

	if result.ExitCode != 0 {
		return result, fmt.Errorf("buildexec.DockerExecutor: %w", &ExitError{ExitCode: result.ExitCode})
	}
	return result, nil
}

func (e *DockerExecutor) pullImage(ctx context.Context) error {
	rc, err := e.cli.ImagePull(ctx, e.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	// The pull completes when its progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Close closes the Docker client.
func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}
