package client

import (
	"context"
	"net/http"

	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

// Download fetches the artifact at an absolute url with a single GET
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{Reason: "invalid result url", Err: err}
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DownloadError{Err: timeoutCause(reqCtx, err)}
	}
	defer resp.Body.Close()

	data, _, err := c.readBody(reqCtx, cancel, resp.Body, bodyLimit(resp.StatusCode, 0))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DownloadError{Err: err}
	}

	if !isSuccess(resp.StatusCode) {
		return nil, &DownloadError{StatusCode: resp.StatusCode, BodyExcerpt: excerpt(data)}
	}
	if len(data) == 0 {
		return nil, &DownloadError{Reason: "empty body", Err: ErrEmptyBody}
	}

	c.logger.Debug("artifact downloaded", logging.Fields{"url": url, "bytes": len(data)})
	return data, nil
}
