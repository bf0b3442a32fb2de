package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/job/jobmem"
	"github.com/k11v/pages/internal/metrics"
)

// StubFetcher writes files into the fetch dir instead of cloning.
type StubFetcher struct {
	Files map[string]string
	Err   error

	mu    sync.Mutex
	calls []string
	dirs  []string
}

func (f *StubFetcher) Fetch(_ context.Context, url, dir string) error {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.dirs = append(f.dirs, dir)
	f.mu.Unlock()

	if f.Err != nil {
		return f.Err
	}
	for name, content := range f.Files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *StubFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type testCoordinator struct {
	*Coordinator
	statuses *jobmem.StatusStore
	storage  *jobmem.Storage
	broker   *jobmem.Broker
	fetcher  *StubFetcher
	workDir  string
}

func newTestCoordinator(tb testing.TB, fetcher *StubFetcher) *testCoordinator {
	tb.Helper()

	workDir := tb.TempDir()
	statuses := jobmem.NewStatusStore()
	storage := jobmem.NewStorage()
	broker := jobmem.NewBroker()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(&Config{WorkDir: workDir, UploadConcurrency: 2, IDAttempts: 3}, statuses, storage, broker, fetcher, metrics.NoopRecorder{}, log)

	return &testCoordinator{
		Coordinator: c,
		statuses:    statuses,
		storage:     storage,
		broker:      broker,
		fetcher:     fetcher,
		workDir:     workDir,
	}
}

func TestCoordinatorSubmit(t *testing.T) {
	t.Run("snapshots the source and enqueues a build task", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{
			"package.json":   `{"name":"apples"}`,
			"src/index.html": "<h1>apples</h1>",
			".git/HEAD":      "ref: refs/heads/main",
		}})

		j, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !job.ValidID(j.ID) {
			t.Fatalf("got invalid id %q", j.ID)
		}
		if got, want := j.Status, job.StatusQueued; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}

		objects := c.storage.Objects()
		want := map[string]string{
			job.SourceKey(j.ID, "package.json"):   `{"name":"apples"}`,
			job.SourceKey(j.ID, "src/index.html"): "<h1>apples</h1>",
		}
		if len(objects) != len(want) {
			t.Fatalf("got %d objects, want %d", len(objects), len(want))
		}
		for k, v := range want {
			if got := string(objects[k]); got != v {
				t.Fatalf("got %q for %s, want %q", got, k, v)
			}
		}

		if got, want := c.broker.Len(), 1; got != want {
			t.Fatalf("got %d queued messages, want %d", got, want)
		}
		deliveries, err := c.broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{Max: 10})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		id, err := job.ParseBuildTaskMessage(deliveries[0].Body)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if id != j.ID {
			t.Fatalf("got %q, want %q", id, j.ID)
		}

		entries, err := os.ReadDir(c.workDir)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(entries) != 0 {
			t.Fatalf("got %d entries in the work dir, want 0", len(entries))
		}
	})

	t.Run("rejects invalid source urls without side effects", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{})

		for _, u := range []string{
			"",
			"http://github.com/octo/apples",
			"https://gitlab.com/octo/apples",
			"https://github.com/octo/apples/tree/main",
			"https://github.com/octo",
			"https://github.com/octo/apples?x=1",
			"git@github.com:octo/apples.git",
		} {
			_, err := c.Submit(ctx, &SubmitParams{SourceURL: u})
			if !errors.Is(err, job.ErrInvalidRequest) {
				t.Fatalf("%q: got %v, want %v", u, err, job.ErrInvalidRequest)
			}
		}

		if calls := c.fetcher.Calls(); len(calls) != 0 {
			t.Fatalf("got fetches %v, want none", calls)
		}
		if objects := c.storage.Objects(); len(objects) != 0 {
			t.Fatalf("got %d objects, want 0", len(objects))
		}
		if got := c.broker.Len(); got != 0 {
			t.Fatalf("got %d queued messages, want 0", got)
		}
	})

	t.Run("fails the job when the fetch fails", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Err: errors.New("repository not found")})
		c.newID = func() (string, error) { return "abc12", nil }

		_, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/missing"})
		if !errors.Is(err, job.ErrFetch) {
			t.Fatalf("got %v, want %v", err, job.ErrFetch)
		}

		status, err := c.Status(ctx, "abc12")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := status, job.StatusFailed; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
		if got := c.broker.Len(); got != 0 {
			t.Fatalf("got %d queued messages, want 0", got)
		}
	})

	t.Run("fails the job when the upload fails", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{"index.html": "x"}})
		c.newID = func() (string, error) { return "abc12", nil }
		c.storage.PutHook = func(string) error { return errors.New("storage unavailable") }

		_, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"})
		if !errors.Is(err, job.ErrStorage) {
			t.Fatalf("got %v, want %v", err, job.ErrStorage)
		}
		if status, _ := c.Status(ctx, "abc12"); status != job.StatusFailed {
			t.Fatalf("got %q, want %q", status, job.StatusFailed)
		}
		if got := c.broker.Len(); got != 0 {
			t.Fatalf("got %d queued messages, want 0", got)
		}
	})

	t.Run("fails the job when the enqueue fails", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{"index.html": "x"}})
		c.newID = func() (string, error) { return "abc12", nil }
		c.broker.SendHook = func(string) error { return errors.New("broker unavailable") }

		_, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"})
		if !errors.Is(err, job.ErrQueue) {
			t.Fatalf("got %v, want %v", err, job.ErrQueue)
		}
		if status, _ := c.Status(ctx, "abc12"); status != job.StatusFailed {
			t.Fatalf("got %q, want %q", status, job.StatusFailed)
		}
	})

	t.Run("queues the job before sending its build task", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{"index.html": "x"}})

		var statusAtSend job.Status
		c.broker.SendHook = func(id string) error {
			j, err := c.statuses.Get(ctx, id)
			if err != nil {
				return err
			}
			statusAtSend = j.Status
			return nil
		}

		if _, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := statusAtSend, job.StatusQueued; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("regenerates taken and reserved ids", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{"index.html": "x"}})
		if _, err := c.statuses.Create(ctx, &job.CreateParams{ID: "aaaaa"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		ids := []string{"aaaaa", "www", "bbbbb"}
		c.newID = func() (string, error) {
			id := ids[0]
			ids = ids[1:]
			return id, nil
		}

		j, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples.git"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := j.ID, "bbbbb"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("gives up when every id is taken", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{})
		if _, err := c.statuses.Create(ctx, &job.CreateParams{ID: "aaaaa"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		c.newID = func() (string, error) { return "aaaaa", nil }

		_, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"})
		if err == nil || errors.Is(err, job.ErrInvalidRequest) {
			t.Fatalf("got %v, want a server error", err)
		}
		if calls := c.fetcher.Calls(); len(calls) != 0 {
			t.Fatalf("got fetches %v, want none", calls)
		}
	})

	t.Run("runs submissions concurrently with distinct ids", func(t *testing.T) {
		ctx := context.Background()
		c := newTestCoordinator(t, &StubFetcher{Files: map[string]string{"index.html": "x"}})

		var wg sync.WaitGroup
		ids := make(chan string, 20)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j, err := c.Submit(ctx, &SubmitParams{SourceURL: "https://github.com/octo/apples"})
				if err != nil {
					t.Errorf("didn't want %q", err)
					return
				}
				ids <- j.ID
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]struct{})
		for id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("got duplicate id %q", id)
			}
			seen[id] = struct{}{}
		}
		objects := c.storage.Objects()
		if got, want := len(objects), len(seen); got != want {
			t.Fatalf("got %d objects, want %d", got, want)
		}
		for id := range seen {
			if _, found := objects[job.SourceKey(id, "index.html")]; !found {
				t.Fatalf("got no snapshot for %s", id)
			}
		}
	})
}

func TestCoordinatorStatus(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, &StubFetcher{})
	if _, err := c.statuses.Create(ctx, &job.CreateParams{ID: "abc12"}); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	tests := []struct {
		id   string
		want job.Status
	}{
		{"abc12", job.StatusPending},
		{"zzzzz", job.StatusUnknown},
		{"www", job.StatusUnknown},
		{"../etc", job.StatusUnknown},
	}
	for _, tt := range tests {
		got, err := c.Status(ctx, tt.id)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.id, got, tt.want)
		}
	}
}
