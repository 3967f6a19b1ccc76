package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/pcap-relay/pkg/api"
	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/capture/capturetest"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/observe"
	"github.com/psantana5/pcap-relay/pkg/orchestrator"
	"github.com/psantana5/pcap-relay/pkg/poller"
)

type stubSubmitter struct{}

func (stubSubmitter) Submit(ctx context.Context, up client.Upload) (string, error) {
	n, err := io.Copy(io.Discard, up.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("job-%d", n), nil
}

// blockingPoller holds every job in Polling until its context ends
type blockingPoller struct{}

func (blockingPoller) Run(ctx context.Context, jobID string, before poller.BeforeAttempt) (string, error) {
	if err := before(1); err != nil {
		return "", err
	}
	<-ctx.Done()
	return "", ctx.Err()
}

type stubDownloader struct{}

func (stubDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte("content of " + url), nil
}

func newRouter(t *testing.T) (*mux.Router, *orchestrator.Orchestrator) {
	stager := capture.NewStager(t.TempDir(), nil)
	metrics := observe.NewMetrics()
	orch := orchestrator.New(orchestrator.Dependencies{
		Submitter:  stubSubmitter{},
		Poller:     blockingPoller{},
		Downloader: stubDownloader{},
		Stager:     stager,
		Metrics:    metrics,
	}, nil)
	t.Cleanup(func() { orch.Close() })

	router := mux.NewRouter()
	api.NewObserverHandler(orch, stager, metrics, nil).RegisterRoutes(router)
	return router, orch
}

func waitForState(t *testing.T, orch *orchestrator.Orchestrator, kind models.StateKind) models.JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := orch.State(); s.Kind() == kind {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s, last %s", kind, models.Describe(orch.State()))
	return nil
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "trace.pcap")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	fw.Write(data)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestStartJob(t *testing.T) {
	router, orch := newRouter(t)
	data := capturetest.Pcap(t, 3)

	body, contentType := multipartBody(t, "pcap_file", data)
	req := httptest.NewRequest("POST", "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Run == 0 {
		t.Error("Expected a run generation")
	}

	state := waitForState(t, orch, models.KindPolling)
	want := fmt.Sprintf("job-%d", len(data))
	if id, _ := models.JobIDOf(state); id != want {
		t.Errorf("Expected job %s, got %s", want, id)
	}
}

func TestStartJob_MissingField(t *testing.T) {
	router, _ := newRouter(t)

	body, contentType := multipartBody(t, "other", []byte("x"))
	req := httptest.NewRequest("POST", "/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/jobs", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for non-multipart body, got %d", w.Code)
	}
}

func TestFetchJobAndState(t *testing.T) {
	router, orch := newRouter(t)

	req := httptest.NewRequest("POST", "/jobs/fetch", strings.NewReader(`{"job_id":"J7","url":"https://x/J7.json"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	waitForState(t, orch, models.KindSucceeded)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/state", nil))
	var snap models.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to parse snapshot: %v", err)
	}
	if snap.State != models.KindSucceeded || snap.JobID != "J7" || snap.Content != "content of https://x/J7.json" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestFetchJob_Validation(t *testing.T) {
	router, _ := newRouter(t)

	for _, body := range []string{`{"job_id":"J7"}`, `{"url":"u"}`, `not json`} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/jobs/fetch", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestCancelJob(t *testing.T) {
	router, orch := newRouter(t)
	orch.Start(capture.Source{Reader: bytes.NewReader(capturetest.Pcap(t, 1)), Size: -1})
	waitForState(t, orch, models.KindPolling)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/jobs/current", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Errorf("Expected idle state, got %s", w.Body.String())
	}
}

func TestStreamState(t *testing.T) {
	router, orch := newRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/state/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Expected ndjson content type, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var states []models.StateKind
	for scanner.Scan() {
		var snap models.Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			t.Fatalf("Bad line %q: %v", scanner.Text(), err)
		}
		states = append(states, snap.State)
		if snap.State == models.KindIdle && len(states) == 1 {
			orch.Fetch("J1", "https://x/J1.json")
		}
		if snap.State == models.KindSucceeded {
			break
		}
	}

	want := []models.StateKind{models.KindIdle, models.KindDownloading, models.KindSucceeded}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, states)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	router, _ := newRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("Unexpected health response %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /metrics, got %d", w.Code)
	}
}
