package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/observe"
	"github.com/psantana5/pcap-relay/pkg/orchestrator"
)

// FetchRequest asks for a direct download of a finished job
type FetchRequest struct {
	JobID string `json:"job_id"`
	URL   string `json:"url"`
}

// RunResponse acknowledges a started run
type RunResponse struct {
	Run uint64 `json:"run"`
}

// ObserverHandler exposes the orchestrator over HTTP: it can start,
// fetch and cancel runs, and serves the current state and its changes.
type ObserverHandler struct {
	orch      *orchestrator.Orchestrator
	stager    *capture.Stager
	metrics   http.Handler
	formField string
	logger    *logging.Logger
}

// NewObserverHandler creates the handler. metrics may be nil.
func NewObserverHandler(orch *orchestrator.Orchestrator, stager *capture.Stager, metrics *observe.Metrics, logger *logging.Logger) *ObserverHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &ObserverHandler{
		orch:      orch,
		stager:    stager,
		formField: client.DefaultFormField,
		logger:    logger.WithField("component", "observer-api"),
	}
	if metrics != nil {
		h.metrics = metrics.Handler()
	}
	return h
}

// RegisterRoutes registers all API routes
func (h *ObserverHandler) RegisterRoutes(r *mux.Router) {
	// specific job routes before the generic one
	r.HandleFunc("/jobs/fetch", h.FetchJob).Methods("POST")
	r.HandleFunc("/jobs/current", h.CancelJob).Methods("DELETE")
	r.HandleFunc("/jobs", h.StartJob).Methods("POST")

	r.HandleFunc("/state/stream", h.StreamState).Methods("GET")
	r.HandleFunc("/state", h.GetState).Methods("GET")

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// StartJob stages the uploaded capture and starts a run for it
func (h *ObserverHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected multipart/form-data body", http.StatusBadRequest)
		return
	}

	var staged *capture.Staged
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "Invalid multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != h.formField {
			part.Close()
			continue
		}

		staged, err = h.stager.Stage(r.Context(), capture.Source{
			Reader:      part,
			Name:        part.FileName(),
			Size:        -1,
			ContentType: part.Header.Get("Content-Type"),
		})
		part.Close()
		if err != nil {
			h.logger.Error("failed to stage upload", logging.Fields{"error": err.Error()})
			http.Error(w, "Failed to store capture", http.StatusInternalServerError)
			return
		}
		break
	}

	if staged == nil {
		http.Error(w, "Missing form field "+h.formField, http.StatusBadRequest)
		return
	}

	run := h.orch.StartStaged(staged)
	if run == 0 {
		http.Error(w, "Orchestrator is shutting down", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("run started via API", logging.Fields{"run": run, "size": staged.Size})
	writeJSON(w, http.StatusAccepted, RunResponse{Run: run})
}

// FetchJob starts a direct download run
func (h *ObserverHandler) FetchJob(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.JobID = strings.TrimSpace(req.JobID)
	req.URL = strings.TrimSpace(req.URL)
	if req.JobID == "" || req.URL == "" {
		http.Error(w, "job_id and url are required", http.StatusBadRequest)
		return
	}

	run := h.orch.Fetch(req.JobID, req.URL)
	if run == 0 {
		http.Error(w, "Orchestrator is shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{Run: run})
}

// CancelJob cancels the active run and returns the resulting state
func (h *ObserverHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.orch.Cancel()
	writeJSON(w, http.StatusOK, h.orch.Snapshot().Snapshot())
}

// GetState returns the current state
func (h *ObserverHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Snapshot().Snapshot())
}

// StreamState writes the current state and then every transition as
// newline-delimited JSON until the client goes away
func (h *ObserverHandler) StreamState(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, unsubscribe := h.orch.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := enc.Encode(u.Snapshot()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Health returns the health status
func (h *ObserverHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
