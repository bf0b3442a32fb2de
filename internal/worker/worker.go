// Package worker runs the build loop: it receives build tasks in batches, fetches
// their source snapshots, builds them and publishes the artifacts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/k11v/pages/internal/buildexec"
	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/metrics"
)

const maxBatchSize = 10

// Config holds the worker configuration.
type Config struct {
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"10"`
	WaitTime            time.Duration `env:"WAIT_TIME" envDefault:"20s"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	WorkDir             string        `env:"WORK_DIR"` // default: $TMPDIR/pages-worker
	Concurrency         int           `env:"CONCURRENCY" envDefault:"4"`
	TransferConcurrency int           `env:"TRANSFER_CONCURRENCY" envDefault:"8"`
	LogLimit            int           `env:"LOG_LIMIT" envDefault:"1048576"`
}

func (c *Config) workDir() string {
	if c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "pages-worker")
	}
	return c.WorkDir
}

// Worker processes build tasks. It handles one batch at a time.
type Worker struct {
	statuses job.StatusStore    // required
	storage  job.Storage        // required
	broker   job.Broker         // required
	executor buildexec.Executor // required
	metrics  metrics.Recorder   // required
	log      *slog.Logger       // required

	batchSize           int
	waitTime            time.Duration
	maxAttempts         int
	workDir             string
	concurrency         int
	transferConcurrency int
	logLimit            int
	retryWait           func(retry int) time.Duration
}

func NewWorker(
	cfg *Config,
	statuses job.StatusStore,
	storage job.Storage,
	broker job.Broker,
	executor buildexec.Executor,
	rec metrics.Recorder,
	log *slog.Logger,
) *Worker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}
	return &Worker{
		statuses:            statuses,
		storage:             storage,
		broker:              broker,
		executor:            executor,
		metrics:             rec,
		log:                 log.With("component", "worker"),
		batchSize:           batchSize,
		waitTime:            cfg.WaitTime,
		maxAttempts:         max(cfg.MaxAttempts, 1),
		workDir:             cfg.workDir(),
		concurrency:         max(cfg.Concurrency, 1),
		transferConcurrency: max(cfg.TransferConcurrency, 1),
		logLimit:            max(cfg.LogLimit, 0),
		retryWait:           retryWaitDuration,
	}
}

// Run receives and processes batches until ctx is done.
// A batch that has started is finished even if ctx is done meanwhile.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("worker.Worker: %w", err)
	}

	w.log.Info("starting worker", "batch_size", w.batchSize, "wait_time", w.waitTime)
	retries := 0
	for {
		if ctx.Err() != nil {
			w.log.Info("stopped worker")
			return nil
		}

		deliveries, err := w.broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{
			Max:  w.batchSize,
			Wait: w.waitTime,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Error("didn't receive build tasks", "error", job.NewError(job.KindQueue, "", err))

			retries++
			select {
			case <-time.After(w.retryWait(retries - 1)):
			case <-ctx.Done():
				continue
			}
			w.log.Info("retrying", "retries", retries)
			continue
		}
		if retries > 0 {
			w.log.Info("recovered", "retries", retries)
			retries = 0
		}
		if len(deliveries) == 0 {
			continue
		}

		w.ProcessBatch(context.WithoutCancel(ctx), deliveries)
	}
}

// task is the state of one job id within a batch.
type task struct {
	id         string
	delivery   *job.Delivery
	duplicates []*job.Delivery
	log        *slog.Logger
	dir        string

	result   *buildexec.ExecuteResult
	buildLog *buildexec.LogBuffer

	err       error
	permanent bool // err won't go away on redelivery
}

func (t *task) fail(err error, permanent bool) {
	t.err = err
	t.permanent = permanent
}

// ProcessBatch fetches, builds and publishes the jobs of deliveries in three passes,
// then settles every delivery. A failure of one job doesn't affect the others.
func (w *Worker) ProcessBatch(ctx context.Context, deliveries []*job.Delivery) {
	w.metrics.ObserveBatch(len(deliveries))

	tasks := w.prepare(ctx, deliveries)
	defer func() {
		for _, t := range tasks {
			if err := os.RemoveAll(t.dir); err != nil {
				t.log.Warn("didn't remove workspace", "dir", t.dir, "error", err)
			}
		}
	}()

	w.pass(ctx, "fetch", tasks, w.fetch)
	w.pass(ctx, "build", tasks, w.build)
	w.pass(ctx, "publish", tasks, w.publish)

	for _, t := range tasks {
		w.settle(ctx, t)
	}
}

// prepare parses deliveries into tasks. Unparseable deliveries are dead-lettered,
// duplicate ids are collapsed into one task and jobs that are already built are acknowledged.
func (w *Worker) prepare(ctx context.Context, deliveries []*job.Delivery) []*task {
	var tasks []*task
	byID := make(map[string]*task)

	for _, d := range deliveries {
		id, err := job.ParseBuildTaskMessage(d.Body)
		if err != nil {
			w.log.Error("didn't parse build task", "error", err)
			w.deadLetter(ctx, w.log, d, fmt.Sprintf("invalid message: %v", err))
			continue
		}

		if t, found := byID[id]; found {
			t.log.Info("collapsed duplicate delivery")
			t.duplicates = append(t.duplicates, d)
			continue
		}

		t := &task{
			id:       id,
			delivery: d,
			log:      w.log.With("job_id", id, "attempt", d.Attempt),
			dir:      filepath.Join(w.workDir, id),
		}
		byID[id] = t
		tasks = append(tasks, t)
	}

	ready := tasks[:0]
	for _, t := range tasks {
		j, err := w.statuses.Get(ctx, t.id)
		switch {
		case err == nil && j.Status == job.StatusBuilt:
			t.log.Info("skipped built job")
			w.ack(ctx, t, metrics.OutcomeSkipped)
			continue
		case err != nil && !errors.Is(err, job.ErrNotFound):
			t.log.Warn("didn't get job status", "error", err)
		}
		w.transition(ctx, t, job.StatusBuilding)
		ready = append(ready, t)
	}
	return ready
}

// settle acknowledges, retries or dead-letters the delivery of t.
// Duplicate deliveries are acknowledged after the surviving one is settled.
func (w *Worker) settle(ctx context.Context, t *task) {
	switch {
	case t.err == nil:
		w.transition(ctx, t, job.StatusBuilt)
		t.log.Info("built job")
		w.ack(ctx, t, metrics.OutcomeAck)
		return

	case t.permanent || t.delivery.Attempt >= w.maxAttempts:
		t.log.Error("failed job", "error", t.err, "permanent", t.permanent)
		w.transition(ctx, t, job.StatusFailed)
		w.deadLetter(ctx, t.log, t.delivery, t.err.Error())

	default:
		t.log.Warn("retrying job", "error", t.err)
		if err := t.delivery.Acknowledger.Retry(ctx); err != nil {
			t.log.Error("didn't retry delivery", "error", job.NewError(job.KindQueue, t.id, err))
		} else {
			w.metrics.IncDelivery(metrics.OutcomeRetry)
		}
	}

	w.ackDuplicates(ctx, t)
}

func (w *Worker) ack(ctx context.Context, t *task, outcome string) {
	if err := t.delivery.Acknowledger.Ack(ctx); err != nil {
		t.log.Error("didn't ack delivery", "error", job.NewError(job.KindQueue, t.id, err))
	} else {
		w.metrics.IncDelivery(outcome)
	}
	w.ackDuplicates(ctx, t)
}

func (w *Worker) ackDuplicates(ctx context.Context, t *task) {
	for _, d := range t.duplicates {
		if err := d.Acknowledger.Ack(ctx); err != nil {
			t.log.Error("didn't ack duplicate delivery", "error", job.NewError(job.KindQueue, t.id, err))
			continue
		}
		w.metrics.IncDelivery(metrics.OutcomeDuplicate)
	}
}

func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, d *job.Delivery, reason string) {
	if err := d.Acknowledger.DeadLetter(ctx, reason); err != nil {
		log.Error("didn't dead-letter delivery", "error", job.NewError(job.KindQueue, "", err))
		return
	}
	w.metrics.IncDelivery(metrics.OutcomeDeadLetter)
}

// transition updates the job status. The status store may not know jobs submitted
// to another coordinator instance, so failures are only logged.
func (w *Worker) transition(ctx context.Context, t *task, to job.Status) {
	if _, err := w.statuses.Transition(ctx, t.id, to); err != nil {
		t.log.Warn("didn't update job status", "status", to, "error", err)
	}
}
