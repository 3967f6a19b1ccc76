package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/time/rate"

	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

// ProgressFunc receives bytes written so far and the total request size
type ProgressFunc func(written, total int64)

// Upload describes one file to submit
type Upload struct {
	Body        io.Reader
	Size        int64 // file size in bytes, negative if unknown
	Filename    string
	ContentType string // hint; "application/octet-stream" when empty
	Progress    ProgressFunc
}

// Fraction converts a progress callback into a value clamped to [0,1]
func Fraction(written, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(written) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartEnvelope returns the bytes that go before and after the file
// content so the body can be streamed with an exact Content-Length.
func multipartEnvelope(field, filename, contentType string) (prefix, suffix []byte, formContentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)
	if _, err := mw.CreatePart(h); err != nil {
		return nil, nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	prefix = append([]byte(nil), buf.Bytes()...)

	buf.Reset()
	if err := mw.Close(); err != nil {
		return nil, nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	suffix = append([]byte(nil), buf.Bytes()...)

	return prefix, suffix, mw.FormDataContentType(), nil
}

// progressReader reports bytes handed to the transport
type progressReader struct {
	r       io.Reader
	written int64
	total   int64
	fn      ProgressFunc
	limiter *rate.Limiter
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.fn != nil && p.total > 0 {
			if p.written >= p.total || p.limiter == nil || p.limiter.Allow() {
				p.fn(p.written, p.total)
			}
		}
	}
	return n, err
}

// Submit streams the file as a single multipart/form-data part and returns
// the job id assigned by the server. It does not retry.
func (c *Client) Submit(ctx context.Context, up Upload) (string, error) {
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	prefix, suffix, formType, err := multipartEnvelope(c.cfg.FormField, up.Filename, contentType)
	if err != nil {
		return "", &UploadError{Reason: "failed to build request", Err: err}
	}

	total := int64(-1)
	if up.Size >= 0 {
		total = int64(len(prefix)) + up.Size + int64(len(suffix))
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var limiter *rate.Limiter
	if c.cfg.ProgressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.cfg.ProgressRate), 1)
	}
	counted := &progressReader{
		r:       io.MultiReader(bytes.NewReader(prefix), up.Body, bytes.NewReader(suffix)),
		total:   total,
		fn:      up.Progress,
		limiter: limiter,
	}
	body := newIdleReader(counted, c.cfg.WriteTimeout, cancel, errWriteTimeout)
	defer body.stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.UploadURL(), io.NopCloser(body))
	if err != nil {
		return "", &UploadError{Reason: "failed to create request", Err: err}
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTPHeaders(ctx, req)

	c.logger.Debug("uploading capture", logging.Fields{
		"url": req.URL.String(), "filename": up.Filename, "size": up.Size, "content_type": contentType,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &UploadError{Err: timeoutCause(reqCtx, err)}
	}
	defer resp.Body.Close()
	body.stop()

	data, truncated, err := c.readBody(reqCtx, cancel, resp.Body, bodyLimit(resp.StatusCode, controlBodyLimit))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &UploadError{Reason: "failed to read response", Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		return "", &UploadError{StatusCode: resp.StatusCode, BodyExcerpt: excerpt(data)}
	}
	if truncated {
		return "", &UploadError{Reason: "response too large", Err: ErrBodyTooLarge}
	}

	jobID, err := decodeJobID(data)
	if err != nil {
		return "", err
	}

	c.logger.Info("upload accepted", logging.Fields{"job_id": jobID, "bytes": counted.written})
	return jobID, nil
}

// decodeJobID accepts any JSON object carrying job_id; numeric ids are
// converted to strings.
func decodeJobID(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", &UploadError{Reason: "server returned empty response body", Err: ErrEmptyBody}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", &UploadError{Reason: "malformed upload response", Err: err}
	}

	var result models.UploadResponse
	if err := mapstructure.WeakDecode(raw, &result); err != nil {
		return "", &UploadError{Reason: "malformed upload response", Err: err}
	}
	if result.JobID == "" {
		return "", &UploadError{Reason: "missing job id"}
	}
	return result.JobID, nil
}
