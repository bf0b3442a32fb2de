package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/k11v/pages/internal/buildexec"
	"github.com/k11v/pages/internal/gateway"
	"github.com/k11v/pages/internal/ingest"
	"github.com/k11v/pages/internal/ingest/ingesthttp"
	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/job/jobmem"
	"github.com/k11v/pages/internal/metrics"
	"github.com/k11v/pages/internal/worker"
)

// StubFetcher writes a fixed source tree instead of cloning.
type StubFetcher map[string]string

func (f StubFetcher) Fetch(_ context.Context, _, dir string) error {
	for name, content := range f {
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

// CopyExecutor builds by copying src/ into dist/.
type CopyExecutor struct{}

func (CopyExecutor) Execute(_ context.Context, params *buildexec.ExecuteParams) (*buildexec.ExecuteResult, error) {
	src := filepath.Join(params.Dir, "src")
	out := filepath.Join(params.Dir, "dist")
	err := filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err = os.MkdirAll(filepath.Dir(filepath.Join(out, rel)), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(out, rel), data, 0o644)
	})
	if err != nil {
		return nil, err
	}
	_, _ = io.WriteString(params.Log, "copied src to dist\n")
	return &buildexec.ExecuteResult{OutputDir: out}, nil
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	statuses := jobmem.NewStatusStore()
	storage := jobmem.NewStorage()
	broker := jobmem.NewBroker()

	fetcher := StubFetcher{
		"package.json":   `{"scripts":{"build":"cp -r src dist"}}`,
		"src/index.html": "<h1>apples</h1>",
		"src/app.css":    "body{}",
	}
	coordinator := ingest.NewCoordinator(&ingest.Config{WorkDir: t.TempDir()}, statuses, storage, broker, fetcher, metrics.NoopRecorder{}, log)
	coordinatorServer := httptest.NewServer(ingesthttp.NewHandler(coordinator, nil, log))
	defer coordinatorServer.Close()

	w := worker.NewWorker(&worker.Config{WorkDir: t.TempDir(), MaxAttempts: 1}, statuses, storage, broker, CopyExecutor{}, metrics.NoopRecorder{}, log)

	gatewayServer := httptest.NewServer(gateway.NewHandler(storage, metrics.NoopRecorder{}, log))
	defer gatewayServer.Close()

	// Submit.
	resp, err := http.Post(coordinatorServer.URL+"/deploy", "application/json", strings.NewReader(`{"sourceUrl":"https://github.com/octo/apples"}`))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&submitted)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
	if got, want := submitted.Status, string(job.StatusQueued); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if !job.ValidID(submitted.ID) {
		t.Fatalf("got invalid id %q", submitted.ID)
	}

	// Build.
	deliveries, err := broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{Max: 10, Wait: time.Second})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := len(deliveries), 1; got != want {
		t.Fatalf("got %d deliveries, want %d", got, want)
	}
	w.ProcessBatch(ctx, deliveries)

	// Poll.
	resp, err = http.Get(coordinatorServer.URL + "/status/" + submitted.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	var polled struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&polled)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := polled.Status, string(job.StatusBuilt); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// Serve.
	for _, tt := range []struct {
		path            string
		wantContentType string
		wantBody        string
	}{
		{"/", "text/html", "<h1>apples</h1>"},
		{"/app.css", "text/css", "body{}"},
	} {
		req, err := http.NewRequest(http.MethodGet, gatewayServer.URL+tt.path, nil)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		req.Host = submitted.ID + ".pages.example"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := resp.StatusCode, http.StatusOK; got != want {
			t.Fatalf("%s: got %d, want %d", tt.path, got, want)
		}
		if got, want := resp.Header.Get("Content-Type"), tt.wantContentType; got != want {
			t.Fatalf("%s: got %q, want %q", tt.path, got, want)
		}
		if got, want := string(body), tt.wantBody; got != want {
			t.Fatalf("%s: got %q, want %q", tt.path, got, want)
		}
	}

	if got := broker.Len(); got != 0 {
		t.Fatalf("got %d messages left, want 0", got)
	}
}

// EagerBroker processes every build task as soon as it is sent.
type EagerBroker struct {
	*jobmem.Broker
	worker *worker.Worker
}

func (b *EagerBroker) SendBuildTask(ctx context.Context, id string) error {
	if err := b.Broker.SendBuildTask(ctx, id); err != nil {
		return err
	}
	deliveries, err := b.Broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{Max: 10, Wait: time.Second})
	if err != nil {
		return err
	}
	b.worker.ProcessBatch(ctx, deliveries)
	return nil
}

func TestPipelineWithImmediateWorker(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	statuses := jobmem.NewStatusStore()
	storage := jobmem.NewStorage()
	broker := &EagerBroker{Broker: jobmem.NewBroker()}
	broker.worker = worker.NewWorker(&worker.Config{WorkDir: t.TempDir(), MaxAttempts: 1}, statuses, storage, broker, CopyExecutor{}, metrics.NoopRecorder{}, log)

	fetcher := StubFetcher{"src/index.html": "<h1>apples</h1>"}
	coordinator := ingest.NewCoordinator(&ingest.Config{WorkDir: t.TempDir()}, statuses, storage, broker, fetcher, metrics.NoopRecorder{}, log)

	j, err := coordinator.Submit(ctx, &ingest.SubmitParams{SourceURL: "https://github.com/octo/apples"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, found := storage.Objects()[job.BuildKey(j.ID, "index.html")]; !found {
		t.Fatalf("got no published index.html")
	}

	status, err := coordinator.Status(ctx, j.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := status, job.StatusBuilt; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got, want := len(broker.Acked()), 1; got != want {
		t.Fatalf("got %d acked, want %d", got, want)
	}
}
