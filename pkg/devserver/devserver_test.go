package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/capture/capturetest"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/orchestrator"
	"github.com/psantana5/pcap-relay/pkg/poller"
	"github.com/psantana5/pcap-relay/pkg/retry"
)

func startServer(t *testing.T, cfg Config) (*Server, *client.Client) {
	s := NewServer(cfg, nil)
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, client.NewClient(client.DefaultConfig(srv.URL), nil)
}

func upload(t *testing.T, c *client.Client, data []byte) string {
	jobID, err := c.Submit(context.Background(), client.Upload{
		Body:     bytes.NewReader(data),
		Size:     int64(len(data)),
		Filename: "trace.pcap",
	})
	require.NoError(t, err)
	return jobID
}

func waitForStatus(t *testing.T, c *client.Client, jobID string) *models.JobStatusResponse {
	t.Helper()
	var resp *models.JobStatusResponse
	require.Eventually(t, func() bool {
		r, err := c.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		resp = r
		return r.Status != models.JobStatusProcessing
	}, 5*time.Second, 10*time.Millisecond)
	return resp
}

func TestConvert(t *testing.T) {
	out, err := Convert(bytes.NewReader(capturetest.Pcap(t, 3)))
	require.NoError(t, err)

	var packets []Packet
	require.NoError(t, json.Unmarshal(out, &packets))
	require.Len(t, packets, 3)

	p := packets[1]
	assert.Equal(t, 2, p.Number)
	assert.Equal(t, "UDP", p.Protocol)
	assert.Equal(t, "10.0.0.1:5001", p.SrcAddr)
	assert.Equal(t, "10.0.0.2:9999", p.DstAddr)
	assert.Equal(t, []string{"Ethernet", "IPv4", "UDP", "Payload"}, p.Layers)
	assert.Equal(t, "2025-01-02T03:04:06Z", p.Timestamp)
}

func TestConvert_EmptyCaptureIsEmptyList(t *testing.T) {
	out, err := Convert(bytes.NewReader(capturetest.Pcap(t, 0)))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(out))
}

func TestConvert_RejectsNonCapture(t *testing.T) {
	_, err := Convert(bytes.NewReader([]byte("this is not a capture file, sorry")))
	assert.ErrorIs(t, err, capture.ErrNotCapture)
}

func TestUploadStatusResult(t *testing.T) {
	_, c := startServer(t, Config{ProcessingDelay: 20 * time.Millisecond})

	jobID := upload(t, c, capturetest.PcapNG(t, 4))
	require.NotEmpty(t, jobID)

	first, err := c.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, first.Status)

	resp := waitForStatus(t, c, jobID)
	require.Equal(t, models.JobStatusCompleted, resp.Status)
	url, ok := resp.ResultLocation()
	require.True(t, ok)

	body, err := c.Download(context.Background(), url)
	require.NoError(t, err)
	var packets []Packet
	require.NoError(t, json.Unmarshal(body, &packets))
	assert.Len(t, packets, 4)
}

func TestUpload_GarbageFails(t *testing.T) {
	s, c := startServer(t, Config{})

	jobID := upload(t, c, []byte("definitely not a capture, just bytes"))
	resp := waitForStatus(t, c, jobID)

	assert.Equal(t, models.JobStatusFailed, resp.Status)
	assert.Contains(t, resp.ErrorMessage(), "conversion failed")
	assert.Equal(t, 1, s.Store().Count()[models.JobStatusFailed])
}

func TestUpload_MissingField(t *testing.T) {
	s := NewServer(Config{}, nil)
	defer s.Close()
	router := mux.NewRouter()
	s.RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/upload", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpload_TooLarge(t *testing.T) {
	_, c := startServer(t, Config{MaxUploadSize: 100})

	_, err := c.Submit(context.Background(), client.Upload{
		Body: bytes.NewReader(make([]byte, 4096)), Size: 4096, Filename: "big.pcap",
	})
	var ue *client.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ue.StatusCode)
}

func TestStatus_UnknownJob(t *testing.T) {
	_, c := startServer(t, Config{})

	_, err := c.Status(context.Background(), "nope")
	var nf *client.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = c.Download(context.Background(), c.Config().ServerURL+"/results/nope.json")
	var de *client.DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusNotFound, de.StatusCode)
}

func TestPublicURL(t *testing.T) {
	_, c := startServer(t, Config{PublicURL: "https://pcap.example.com/"})

	jobID := upload(t, c, capturetest.Pcap(t, 1))
	resp := waitForStatus(t, c, jobID)
	url, _ := resp.ResultLocation()
	assert.Equal(t, "https://pcap.example.com/results/"+jobID+".json", url)
}

// TestOrchestratorAgainstDevServer drives a whole run through the real
// client, poller and orchestrator
func TestOrchestratorAgainstDevServer(t *testing.T) {
	_, c := startServer(t, Config{ProcessingDelay: 30 * time.Millisecond})

	o := orchestrator.New(orchestrator.Dependencies{
		Submitter:  c,
		Poller:     poller.New(c, retry.Policy{InitialDelay: 5 * time.Millisecond, Interval: 10 * time.Millisecond, MaxAttempts: 30}, nil),
		Downloader: c,
		Stager:     capture.NewStager(t.TempDir(), nil),
	}, nil)
	defer o.Close()

	updates, unsubscribe := o.Subscribe()
	defer unsubscribe()

	data := capturetest.Pcap(t, 5)
	run := o.Start(capture.Source{Reader: bytes.NewReader(data), Size: int64(len(data))})

	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if u.Run != run || !models.IsTerminal(u.State) {
				continue
			}
			done, ok := u.State.(models.Succeeded)
			require.True(t, ok, "run ended with %s", models.Describe(u.State))
			var packets []Packet
			require.NoError(t, json.Unmarshal(done.Content, &packets))
			assert.Len(t, packets, 5)
			return
		case <-timeout:
			t.Fatalf("run did not finish, state %s", models.Describe(o.State()))
		}
	}
}
