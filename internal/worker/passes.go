package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/pages/internal/buildexec"
	"github.com/k11v/pages/internal/filetree"
	"github.com/k11v/pages/internal/job"
)

// pass runs step for every task that hasn't failed yet, up to w.concurrency at a time,
// and waits for all of them.
func (w *Worker) pass(ctx context.Context, stage string, tasks []*task, step func(context.Context, *task)) {
	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for _, t := range tasks {
		if t.err != nil {
			continue
		}
		g.Go(func() error {
			start := time.Now()
			step(ctx, t)
			w.metrics.ObserveStage(stage, time.Since(start), t.err == nil)
			return nil
		})
	}
	_ = g.Wait()
}

// fetch downloads the source snapshot of t into its workspace.
func (w *Worker) fetch(ctx context.Context, t *task) {
	if err := os.RemoveAll(t.dir); err != nil {
		t.fail(job.NewError(job.KindFetch, t.id, err), false)
		return
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		t.fail(job.NewError(job.KindFetch, t.id, err), false)
		return
	}

	prefix := job.SourcePrefix(t.id)
	keys, err := w.storage.ListObjects(ctx, prefix)
	if err != nil {
		t.fail(job.NewError(job.KindStorage, t.id, err), false)
		return
	}
	if len(keys) == 0 {
		t.fail(job.NewError(job.KindFetch, t.id, errors.New("empty source snapshot")), false)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.transferConcurrency)
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			// Directory placeholder.
			continue
		}
		g.Go(func() error {
			obj, err := w.storage.GetObject(gctx, key)
			if err != nil {
				return err
			}
			defer obj.Body.Close()
			return filetree.Write(t.dir, strings.TrimPrefix(key, prefix), obj.Body)
		})
	}
	if err = g.Wait(); err != nil {
		t.fail(job.NewError(job.KindStorage, t.id, err), false)
		return
	}

	t.log.Info("fetched source snapshot", "files", len(keys))
}

// build runs the executor in the workspace of t and publishes its output log.
func (w *Worker) build(ctx context.Context, t *task) {
	t.buildLog = buildexec.NewLogBuffer(w.logLimit, t.log)
	result, err := w.executor.Execute(ctx, &buildexec.ExecuteParams{
		JobID:  t.id,
		Dir:    t.dir,
		Log:    t.buildLog,
		Logger: t.log,
	})
	t.result = result

	switch {
	case err != nil:
		t.fail(job.NewError(job.KindBuild, t.id, err), buildexec.IsBuildFailure(err))
	case !isDir(result.OutputDir):
		t.fail(job.NewError(job.KindBuild, t.id, fmt.Errorf("missing output dir %s", result.OutputDir)), true)
	default:
		t.log.Info("built", "duration", result.Duration)
	}

	if putErr := w.storage.PutObject(ctx, job.BuildLogKey(t.id), bytes.NewReader(t.buildLog.Bytes())); putErr != nil {
		t.log.Warn("didn't publish build log", "error", putErr)
	}
}

// publish uploads the build output of t and then deletes artifacts that are not part of it,
// so that repeated publishes converge to the same artifact set.
func (w *Worker) publish(ctx context.Context, t *task) {
	published := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.transferConcurrency)
	for f, err := range filetree.Files(t.result.OutputDir) {
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if gctx.Err() != nil {
			break
		}
		key := job.BuildKey(t.id, f.Name)
		published[key] = struct{}{}
		g.Go(func() error {
			rc, err := f.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			return w.storage.PutObject(gctx, key, rc)
		})
	}
	if err := g.Wait(); err != nil {
		t.fail(job.NewError(job.KindStorage, t.id, err), false)
		return
	}

	existing, err := w.storage.ListObjects(ctx, job.BuildPrefix(t.id))
	if err != nil {
		t.fail(job.NewError(job.KindStorage, t.id, err), false)
		return
	}
	var stale []string
	for _, key := range existing {
		if _, found := published[key]; !found {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err = w.storage.DeleteObjects(ctx, stale); err != nil {
			t.fail(job.NewError(job.KindStorage, t.id, err), false)
			return
		}
	}

	t.log.Info("published artifacts", "files", len(published), "deleted", len(stale))
}

func isDir(name string) bool {
	info, err := os.Stat(name)
	return err == nil && info.IsDir()
}
