package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

func pathEscape(s string) string {
	return url.PathEscape(s)
}

// Status performs one status check for jobID.
//
// A 404 yields *NotFoundError, any other non-2xx yields *StatusError and an
// empty or unparseable 2xx body yields *MalformedStatusError. Deciding which
// of these are retryable is the poller's job.
func (c *Client) Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.StatusURL(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to check status: %w", timeoutCause(reqCtx, err))
	}
	defer resp.Body.Close()

	data, truncated, err := c.readBody(reqCtx, cancel, resp.Body, bodyLimit(resp.StatusCode, controlBodyLimit))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &NotFoundError{JobID: jobID}
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &StatusError{JobID: jobID, StatusCode: resp.StatusCode, BodyExcerpt: excerpt(data)}
	}

	if truncated {
		return nil, &MalformedStatusError{JobID: jobID, Err: ErrBodyTooLarge}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &MalformedStatusError{JobID: jobID, Err: ErrEmptyBody}
	}

	var status models.JobStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, &MalformedStatusError{JobID: jobID, Err: err}
	}
	if status.Status == "" {
		return nil, &MalformedStatusError{JobID: jobID, Err: fmt.Errorf("missing status field")}
	}

	return &status, nil
}
