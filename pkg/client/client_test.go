package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/pcap-relay/pkg/models"
)

func newTestClient(url string) *Client {
	cfg := DefaultConfig(url)
	cfg.ProgressRate = 0
	return NewClient(cfg, nil)
}

func TestSubmit_StreamsMultipartAndReturnsJobID(t *testing.T) {
	payload := bytes.Repeat([]byte{0xd4, 0xc3, 0xb2, 0xa1}, 4096)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Greater(t, r.ContentLength, int64(len(payload)))

		file, header, err := r.FormFile("pcap_file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		got, _ := io.ReadAll(file)
		assert.Equal(t, payload, got)
		assert.Equal(t, "capture.pcap", header.Filename)
		assert.Equal(t, "application/vnd.tcpdump.pcap", header.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"J1","message":"queued"}`))
	}))
	defer server.Close()

	var calls [][2]int64
	jobID, err := newTestClient(server.URL).Submit(context.Background(), Upload{
		Body:        bytes.NewReader(payload),
		Size:        int64(len(payload)),
		Filename:    "capture.pcap",
		ContentType: "application/vnd.tcpdump.pcap",
		Progress: func(written, total int64) {
			calls = append(calls, [2]int64{written, total})
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "J1", jobID)

	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i][0], calls[i-1][0], "progress must be monotonic")
	}
	last := calls[len(calls)-1]
	assert.Equal(t, last[1], last[0], "final callback should report the full body")
}

func TestSubmit_NumericJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job_id":42}`))
	}))
	defer server.Close()

	jobID, err := newTestClient(server.URL).Submit(context.Background(), Upload{
		Body: strings.NewReader("x"), Size: 1, Filename: "a.pcap",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", jobID)
}

func TestSubmit_Non2xxIsUploadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("E", 500)))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Submit(context.Background(), Upload{
		Body: strings.NewReader("x"), Size: 1, Filename: "a.pcap",
	})

	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assert.Len(t, upErr.BodyExcerpt, bodyExcerptLimit)
}

func TestSubmit_MissingJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":"ok"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Submit(context.Background(), Upload{
		Body: strings.NewReader("x"), Size: 1, Filename: "a.pcap",
	})

	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "missing job id", upErr.Reason)
}

func TestSubmit_UnknownSizeSkipsProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"job_id":"J9"}`))
	}))
	defer server.Close()

	called := false
	jobID, err := newTestClient(server.URL).Submit(context.Background(), Upload{
		Body: strings.NewReader("abc"), Size: -1, Filename: "a.pcap",
		Progress: func(int64, int64) { called = true },
	})
	require.NoError(t, err)
	assert.Equal(t, "J9", jobID)
	assert.False(t, called)
}

func TestSubmit_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(server.URL).Submit(ctx, Upload{
		Body: strings.NewReader("x"), Size: 1, Filename: "a.pcap",
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatus_Responses(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		body   string
		check  func(t *testing.T, resp *models.JobStatusResponse, err error)
	}{
		{"processing", 200, `{"status":"processing"}`, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusProcessing, resp.Status)
		}},
		{"completed", 200, `{"status":"completed","url":"https://x/J1.json"}`, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			require.NoError(t, err)
			url, ok := resp.ResultLocation()
			assert.True(t, ok)
			assert.Equal(t, "https://x/J1.json", url)
		}},
		{"not found", 404, `nope`, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			var nf *NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "J1", nf.JobID)
		}},
		{"server error", 503, `busy`, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, 503, se.StatusCode)
		}},
		{"empty body", 200, ``, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			var me *MalformedStatusError
			require.ErrorAs(t, err, &me)
			assert.ErrorIs(t, err, ErrEmptyBody)
		}},
		{"garbage body", 200, `<html>`, func(t *testing.T, resp *models.JobStatusResponse, err error) {
			var me *MalformedStatusError
			require.ErrorAs(t, err, &me)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/status/J1", r.URL.Path)
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			resp, err := newTestClient(server.URL).Status(context.Background(), "J1")
			tt.check(t, resp, err)
		})
	}
}

func TestDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.json":
			w.Write([]byte(`[1,2,3]`))
		case "/empty.json":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte("denied"))
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	data, err := c.Download(context.Background(), server.URL+"/ok.json")
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", string(data))

	_, err = c.Download(context.Background(), server.URL+"/empty.json")
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, "empty body", dlErr.Reason)

	_, err = c.Download(context.Background(), server.URL+"/secret.json")
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusForbidden, dlErr.StatusCode)
	assert.Equal(t, "denied", dlErr.BodyExcerpt)
}

func TestDownload_ReadTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("["))
		w.(http.Flusher).Flush()
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("]"))
	}))
	defer server.Close()

	cfg := DefaultConfig(server.URL)
	cfg.ReadTimeout = 100 * time.Millisecond
	c := NewClient(cfg, nil)

	_, err := c.Download(context.Background(), server.URL+"/slow.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errReadTimeout), "expected read timeout, got %v", err)
}

func TestFraction(t *testing.T) {
	assert.Equal(t, 0.0, Fraction(10, 0))
	assert.Equal(t, 0.5, Fraction(5, 10))
	assert.Equal(t, 1.0, Fraction(12, 10))
}

// countingReader serves n bytes of filler and records how many were taken
type countingReader struct {
	left, read int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	for i := range p {
		p[i] = 'x'
	}
	r.left -= int64(len(p))
	r.read += int64(len(p))
	return len(p), nil
}

func TestReadBody_StopsAtLimit(t *testing.T) {
	c := newTestClient("http://unused")
	src := &countingReader{left: 64 << 20}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	data, truncated, err := c.readBody(ctx, cancel, src, errorBodyLimit)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, data, errorBodyLimit)
	assert.LessOrEqual(t, src.read, int64(errorBodyLimit+32<<10), "read far past the limit")

	src = &countingReader{left: 10}
	data, truncated, err = c.readBody(ctx, cancel, src, errorBodyLimit)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, data, 10)
}

func TestOversizedBodies(t *testing.T) {
	huge := bytes.Repeat([]byte("E"), 4<<20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status/J1":
			w.Write([]byte(`{"status":"processing","pad":"`))
			w.Write(huge)
			w.Write([]byte(`"}`))
		case "/upload":
			w.Write([]byte(`{"job_id":"`))
			w.Write(huge)
			w.Write([]byte(`"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write(huge)
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL)

	_, err := c.Status(context.Background(), "J1")
	var me *MalformedStatusError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = c.Submit(context.Background(), Upload{
		Body: strings.NewReader("x"), Size: 1, Filename: "a.pcap",
	})
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	_, err = c.Download(context.Background(), server.URL+"/big.json")
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusBadGateway, dlErr.StatusCode)
	assert.Len(t, dlErr.BodyExcerpt, bodyExcerptLimit)
}
