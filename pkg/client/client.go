package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/pcap-relay/pkg/logging"
)

const (
	DefaultUploadPath = "/upload"
	DefaultStatusPath = "/status/"
	DefaultFormField  = "pcap_file"

	// bodyExcerptLimit bounds how much of an error body is kept
	bodyExcerptLimit = 200
	// errorBodyLimit bounds how much of a non-2xx body is read
	errorBodyLimit = 4 << 10
	// controlBodyLimit bounds status and upload responses
	controlBodyLimit = 1 << 20
)

var (
	errWriteTimeout = errors.New("write timeout")
	errReadTimeout  = errors.New("read timeout")
)

// Config holds transport settings for the processing service
type Config struct {
	ServerURL      string        // e.g. "https://pcap.example.com:3100"
	UploadPath     string        // default "/upload"
	StatusPath     string        // default "/status/", job id is appended
	FormField      string        // multipart field carrying the file
	ConnectTimeout time.Duration // dial + TLS handshake bound
	ReadTimeout    time.Duration // max wait for headers and max idle gap while reading a body
	WriteTimeout   time.Duration // max idle gap while streaming a request body
	ProgressRate   float64       // max upload progress callbacks per second, 0 = unthrottled
}

// DefaultConfig returns a config with the standard paths and timeouts
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		UploadPath:     DefaultUploadPath,
		StatusPath:     DefaultStatusPath,
		FormField:      DefaultFormField,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
		ProgressRate:   10,
	}
}

// Client talks to the remote processing service
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a client with a transport built from cfg
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.UploadPath == "" {
		cfg.UploadPath = DefaultUploadPath
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}
	if cfg.FormField == "" {
		cfg.FormField = DefaultFormField
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if logger == nil {
		logger = logging.Discard()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.WithField("component", "client"),
	}
}

// SetHTTPClient replaces the underlying http.Client
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

// UploadURL returns the absolute upload endpoint
func (c *Client) UploadURL() string {
	return c.cfg.ServerURL + c.cfg.UploadPath
}

// StatusURL returns the absolute status endpoint for jobID
func (c *Client) StatusURL(jobID string) string {
	return c.cfg.ServerURL + c.cfg.StatusPath + pathEscape(jobID)
}

// idleReader cancels its context when no bytes move for d
type idleReader struct {
	r     io.Reader
	d     time.Duration
	timer *time.Timer
}

func newIdleReader(r io.Reader, d time.Duration, cancel context.CancelCauseFunc, cause error) *idleReader {
	ir := &idleReader{r: r, d: d}
	if d > 0 {
		ir.timer = time.AfterFunc(d, func() { cancel(cause) })
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if ir.timer != nil {
		if err != nil {
			// drained or broken, the watchdog has nothing left to guard
			ir.timer.Stop()
		} else if n > 0 {
			ir.timer.Reset(ir.d)
		}
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}

// readBody reads a response body, failing if it stalls for ReadTimeout.
// At most limit bytes are kept when limit > 0; truncated reports that
// the body was longer.
func (c *Client) readBody(ctx context.Context, cancel context.CancelCauseFunc, body io.Reader, limit int64) (data []byte, truncated bool, err error) {
	ir := newIdleReader(body, c.cfg.ReadTimeout, cancel, errReadTimeout)
	defer ir.stop()

	var r io.Reader = ir
	if limit > 0 {
		r = io.LimitReader(ir, limit+1)
	}
	data, err = io.ReadAll(r)
	if err != nil {
		return nil, false, timeoutCause(ctx, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// bodyLimit picks the read limit for a response; 0 means unbounded
func bodyLimit(code int, success int64) int64 {
	if !isSuccess(code) {
		return errorBodyLimit
	}
	return success
}

// timeoutCause swaps a bare cancellation for our watchdog cause
func timeoutCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause == errReadTimeout || cause == errWriteTimeout {
		return fmt.Errorf("%w: %v", cause, err)
	}
	return err
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyExcerptLimit {
		return s[:bodyExcerptLimit]
	}
	return s
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
