// Package gateway serves published build artifacts. The job id is the left-most label
// of the request host.
package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/k11v/pages/internal/job"
	"github.com/k11v/pages/internal/metrics"
)

const indexDocument = "index.html"

// contentTypes maps file extensions to content types. Anything else is served as JavaScript.
var contentTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
}

const defaultContentType = "application/javascript"

type handler struct {
	storage job.Storage      // required
	metrics metrics.Recorder // required
	log     *slog.Logger     // required
}

// NewHandler returns the artifact server. Only GET and HEAD requests are served.
func NewHandler(storage job.Storage, rec metrics.Recorder, log *slog.Logger) http.Handler {
	return &handler{storage: storage, metrics: rec, log: log.With("component", "gateway")}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	code := h.serve(w, r)
	h.metrics.ObserveServe(code, time.Since(start))
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		return writeText(w, http.StatusMethodNotAllowed)
	}

	id, ok := Tenant(r.Host)
	if !ok {
		return writeText(w, http.StatusNotFound)
	}
	key := ObjectKey(id, r.URL.Path)
	log := h.log.With("job_id", id, "key", key)

	obj, err := h.storage.GetObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return writeText(w, http.StatusNotFound)
		}
		log.Error("didn't get artifact", "error", job.NewError(job.KindStorage, id, err))
		return writeText(w, http.StatusInternalServerError)
	}
	if obj.Body == nil {
		log.Error("didn't get artifact body")
		return writeText(w, http.StatusInternalServerError)
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", ContentType(key))
	if obj.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return http.StatusOK
	}
	if _, err = io.Copy(w, obj.Body); err != nil {
		log.Warn("didn't stream artifact", "error", err)
	}
	return http.StatusOK
}

// Tenant returns the job id named by the left-most label of host.
func Tenant(host string) (id string, ok bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	label = strings.ToLower(label)
	if !job.ValidID(label) {
		return "", false
	}
	return label, true
}

// ObjectKey maps a request path to the artifact key of job id.
// Paths can't escape the artifact prefix. Directories map to their index document.
func ObjectKey(id, urlPath string) string {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" || strings.HasSuffix(urlPath, "/") {
		name = path.Join(name, indexDocument)
	}
	return job.BuildKey(id, name)
}

// ContentType derives the content type from the extension of name.
func ContentType(name string) string {
	if ct, found := contentTypes[strings.ToLower(path.Ext(name))]; found {
		return ct
	}
	return defaultContentType
}

func writeText(w http.ResponseWriter, code int) int {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, http.StatusText(code)+"\n")
	return code
}
