// Package ingest accepts build requests and hands them to the build queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/pages/internal/filetree"
	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/metrics"
)

// Fetcher fetches a source repository into dir.
type Fetcher interface {
	Fetch(ctx context.Context, url, dir string) error
}

// Config holds the coordinator configuration.
type Config struct {
	WorkDir           string `env:"WORK_DIR"` // default: $TMPDIR/pages-coordinator
	UploadConcurrency int    `env:"UPLOAD_CONCURRENCY" envDefault:"8"`
	IDAttempts        int    `env:"ID_ATTEMPTS" envDefault:"5"`
}

func (c *Config) workDir() string {
	if c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "pages-coordinator")
	}
	return c.WorkDir
}

// Coordinator validates build requests, snapshots their source and enqueues build tasks.
// Submissions are independent and may run concurrently.
type Coordinator struct {
	statuses job.StatusStore  // required
	storage  job.Storage      // required
	broker   job.Broker       // required
	fetcher  Fetcher          // required
	metrics  metrics.Recorder // required
	log      *slog.Logger     // required

	workDir           string
	uploadConcurrency int
	idAttempts        int
	newID             func() (string, error)
}

func NewCoordinator(
	cfg *Config,
	statuses job.StatusStore,
	storage job.Storage,
	broker job.Broker,
	fetcher Fetcher,
	rec metrics.Recorder,
	log *slog.Logger,
) *Coordinator {
	return &Coordinator{
		statuses:          statuses,
		storage:           storage,
		broker:            broker,
		fetcher:           fetcher,
		metrics:           rec,
		log:               log.With("component", "coordinator"),
		workDir:           cfg.workDir(),
		uploadConcurrency: max(cfg.UploadConcurrency, 1),
		idAttempts:        max(cfg.IDAttempts, 1),
		newID:             job.NewID,
	}
}

type SubmitParams struct {
	SourceURL string
}

// Submit runs a submission up to the queued status and returns the job.
// An invalid source URL fails with job.ErrInvalidRequest before any side effect.
// Any later failure leaves the job failed.
func (c *Coordinator) Submit(ctx context.Context, params *SubmitParams) (*job.Job, error) {
	if err := job.ValidateSourceURL(params.SourceURL); err != nil {
		c.metrics.IncSubmission(metrics.ResultFailure)
		return nil, fmt.Errorf("ingest.Coordinator: %w", err)
	}

	j, err := c.create(ctx, params.SourceURL)
	if err != nil {
		c.metrics.IncSubmission(metrics.ResultFailure)
		return nil, fmt.Errorf("ingest.Coordinator: %w", err)
	}
	id := j.ID
	log := c.log.With("job_id", id)
	log.Info("created job", "source_url", j.SourceURL)

	j, err = c.process(ctx, id, log)
	if err != nil {
		c.metrics.IncSubmission(metrics.ResultFailure)
		log.Error("didn't process job", "error", err)
		c.fail(ctx, id, log)
		return nil, fmt.Errorf("ingest.Coordinator: %w", err)
	}

	c.metrics.IncSubmission(metrics.ResultSuccess)
	log.Info("queued job")
	return j, nil
}

// create stores a new pending job under a fresh id, regenerating ids that are taken.
func (c *Coordinator) create(ctx context.Context, sourceURL string) (*job.Job, error) {
	for range c.idAttempts {
		id, err := c.newID()
		if err != nil {
			return nil, err
		}
		if job.IsReservedID(id) {
			continue
		}

		j, err := c.statuses.Create(ctx, &job.CreateParams{ID: id, SourceURL: sourceURL})
		if errors.Is(err, job.ErrIDTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("no free id after %d attempts", c.idAttempts)
}

func (c *Coordinator) process(ctx context.Context, id string, log *slog.Logger) (*job.Job, error) {
	j, err := c.statuses.Transition(ctx, id, job.StatusCloning)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(c.workDir, id)
	if err = os.RemoveAll(dir); err != nil {
		return nil, err
	}
	defer func() {
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			log.Warn("didn't remove working dir", "dir", dir, "error", removeErr)
		}
	}()

	start := time.Now()
	err = c.fetcher.Fetch(ctx, j.SourceURL, dir)
	c.metrics.ObserveStage("clone", time.Since(start), err == nil)
	if err != nil {
		return nil, job.NewError(job.KindFetch, id, err)
	}

	start = time.Now()
	n, err := c.upload(ctx, id, dir)
	c.metrics.ObserveStage("snapshot", time.Since(start), err == nil)
	if err != nil {
		return nil, job.NewError(job.KindStorage, id, err)
	}
	log.Info("uploaded source snapshot", "files", n)

	if _, err = c.statuses.Transition(ctx, id, job.StatusUploaded); err != nil {
		return nil, err
	}

	// A worker may pick the task up before SendBuildTask returns,
	// so the job must be queued before it is sent.
	if j, err = c.statuses.Transition(ctx, id, job.StatusQueued); err != nil {
		return nil, err
	}
	if err = c.broker.SendBuildTask(ctx, id); err != nil {
		return nil, job.NewError(job.KindQueue, id, err)
	}

	return j, nil
}

// upload copies every regular file under dir to the snapshot prefix of id.
// The .git metadata directory isn't part of the snapshot.
func (c *Coordinator) upload(ctx context.Context, id, dir string) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.uploadConcurrency)

	n := 0
	for f, err := range filetree.Files(dir, ".git") {
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if gctx.Err() != nil {
			break
		}
		n++
		g.Go(func() error {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			return c.storage.PutObject(gctx, job.SourceKey(id, f.Name), rc)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, nil
}

// fail marks the job failed. The submission's own error is what the caller sees,
// so a failure here is only logged.
func (c *Coordinator) fail(ctx context.Context, id string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := c.statuses.Transition(ctx, id, job.StatusFailed); err != nil {
		log.Error("didn't mark job failed", "error", err)
	}
}

// Status reports the status of job id, or job.StatusUnknown if it was never created.
func (c *Coordinator) Status(ctx context.Context, id string) (job.Status, error) {
	if !job.ValidID(id) {
		return job.StatusUnknown, nil
	}

	j, err := c.statuses.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return job.StatusUnknown, nil
		}
		return "", fmt.Errorf("ingest.Coordinator: %w", err)
	}
	return j.Status, nil
}
