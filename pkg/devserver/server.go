package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/retry"
)

// Config controls the local processing service
type Config struct {
	ProcessingDelay time.Duration // simulated queue time before conversion starts
	MaxUploadSize   int64         // bytes; 0 means 512 MiB
	PublicURL       string        // base of result urls; derived from the request when empty
}

const defaultMaxUploadSize = 512 << 20

// Server is an in-memory stand-in for the capture processing service.
// Uploads are converted to a JSON packet list in the background.
type Server struct {
	cfg    Config
	store  *MemoryStore
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server with an empty store
func NewServer(cfg Config, logger *logging.Logger) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaultMaxUploadSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		store:  NewMemoryStore(),
		logger: logger.WithField("component", "devserver"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store returns the job store
func (s *Server) Store() *MemoryStore {
	return s.store
}

// RegisterRoutes registers the processing service endpoints
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(client.DefaultUploadPath, s.Upload).Methods("POST")
	r.HandleFunc(client.DefaultStatusPath+"{id}", s.Status).Methods("GET")
	r.HandleFunc("/results/{id}.json", s.Result).Methods("GET")
	r.HandleFunc("/health", s.Health).Methods("GET")
}

// Upload accepts a capture in the pcap_file form field and queues it
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "capture too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	file, header, err := r.FormFile(client.DefaultFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "capture too large")
			return
		}
		writeError(w, http.StatusBadRequest, "missing form field "+client.DefaultFormField)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read capture")
		return
	}

	job := &Job{ID: uuid.New().String(), Filename: header.Filename, Size: int64(len(data))}
	s.store.CreateJob(job)

	s.logger.Info("capture received", logging.Fields{
		"job_id": job.ID, "filename": header.Filename, "size": job.Size,
		"content_type": header.Header.Get("Content-Type"),
	})

	s.wg.Add(1)
	go s.process(job.ID, data)

	writeJSON(w, http.StatusOK, models.UploadResponse{JobID: job.ID})
}

func (s *Server) process(id string, data []byte) {
	defer s.wg.Done()

	if err := retry.Sleep(s.ctx, s.cfg.ProcessingDelay); err != nil {
		return
	}

	result, err := Convert(bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("conversion failed", logging.Fields{"job_id": id, "error": err.Error()})
		s.store.Fail(id, "conversion failed: "+err.Error())
		return
	}

	s.store.Complete(id, result)
	s.logger.Info("conversion completed", logging.Fields{"job_id": id, "bytes": len(result)})
}

// Status reports the state of a job
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := models.JobStatusResponse{Status: job.Status}
	switch job.Status {
	case models.JobStatusCompleted:
		url := s.baseURL(r) + "/results/" + job.ID + ".json"
		resp.URL = &url
	case models.JobStatusFailed:
		reason := job.Error
		resp.Error = &reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// Result serves the converted packet list of a completed job
func (s *Server) Result(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.GetJob(id)
	if err != nil || job.Status != models.JobStatusCompleted {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(job.Result)
}

// Health returns job counts
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	counts := s.store.Count()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"processing": counts[models.JobStatusProcessing],
		"completed":  counts[models.JobStatusCompleted],
		"failed":     counts[models.JobStatusFailed],
	})
}

// Close stops pending conversions and waits for them to return
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
