// Package ingesthttp exposes the coordinator over HTTP.
package ingesthttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/k11v/pages/internal/ingest"
	"github.com/k11v/pages/internal/job"
)

const maxRequestBodySize = 1 << 20

// Service is implemented by ingest.Coordinator.
type Service interface {
	Submit(ctx context.Context, params *ingest.SubmitParams) (*job.Job, error)
	Status(ctx context.Context, id string) (job.Status, error)
}

type handler struct {
	mux     *http.ServeMux
	service Service
	log     *slog.Logger
}

// NewHandler returns the coordinator API. metrics is mounted at /metrics when not nil.
func NewHandler(service Service, metrics http.Handler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	h := &handler{mux: mux, service: service, log: log}

	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("POST /deploy", h.Deploy)
	mux.HandleFunc("GET /status/{jobId}", h.GetStatus)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *handler) Deploy(w http.ResponseWriter, r *http.Request) {
	type request struct {
		SourceURL *string `json:"sourceUrl"`
		RepoURL   *string `json:"repoUrl"` // legacy name of sourceUrl
	}

	type response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}

	// Body

	var req request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err).Error())
		return
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid request body: multiple top-level values")
		return
	}

	sourceURL := req.SourceURL
	if sourceURL == nil {
		sourceURL = req.RepoURL
	}
	if sourceURL == nil {
		writeError(w, http.StatusBadRequest, "invalid request body: missing sourceUrl")
		return
	}

	j, err := h.service.Submit(r.Context(), &ingest.SubmitParams{SourceURL: *sourceURL})
	if err != nil {
		if errors.Is(err, job.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, invalidRequestMessage(err))
			return
		}
		h.log.Error("didn't submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, response{ID: j.ID, Status: string(j.Status)})
}

func (h *handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ID     string `json:"id,omitempty"`
		Status string `json:"status"`
	}

	// Path value jobId
	const pathValueJobID = "jobId"
	id := r.PathValue(pathValueJobID)

	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.log.Error("didn't get job status", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := response{ID: id, Status: string(status)}
	if status == job.StatusUnknown {
		resp.ID = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

// invalidRequestMessage returns the innermost message that wraps job.ErrInvalidRequest,
// leaving out the package prefixes.
func invalidRequestMessage(err error) string {
	msg := err.Error()
	for e := err; e != nil && e != job.ErrInvalidRequest; e = errors.Unwrap(e) {
		if errors.Is(e, job.ErrInvalidRequest) {
			msg = e.Error()
		}
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The header is already sent.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type response struct {
		Error string `json:"error"`
	}

	writeJSON(w, status, response{Error: msg})
}
