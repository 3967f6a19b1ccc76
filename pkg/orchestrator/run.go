package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/pcap-relay/pkg/capture"
	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/poller"
	"github.com/psantana5/pcap-relay/pkg/tracing"
)

// Failed message prefixes, one per phase
const (
	prefixUpload   = "Upload failed: "
	prefixStatus   = "Error checking status: "
	prefixRemote   = "Processing failed: "
	prefixDownload = "Download failed: "
	msgTimeout     = "Processing timed out."
	msgMissingURL  = "Result URL missing."
)

// run is one generation of the job lifecycle
type run struct {
	id          uint64
	correlation string
	started     time.Time
	logger      *logging.Logger
}

func newRun(id uint64, logger *logging.Logger) *run {
	correlation := uuid.NewString()
	return &run{
		id:          id,
		correlation: correlation,
		started:     time.Now(),
		logger:      logger.WithFields(logging.Fields{"run": id, "correlation_id": correlation}),
	}
}

func (r *run) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("pcaprelay.run", int64(r.id)),
		attribute.String("pcaprelay.correlation_id", r.correlation),
	}
}

// upload submits the staged copy and continues with polling. The staged
// file is removed on every way out.
func (o *Orchestrator) upload(ctx context.Context, r *run, staged *capture.Staged) {
	defer func() {
		if err := staged.Remove(); err != nil {
			r.logger.Warn("failed to remove staged upload", logging.Fields{"path": staged.Path, "error": err.Error()})
		}
	}()

	if ctx.Err() != nil {
		return
	}

	uctx, span := o.tracer.Start(ctx, "upload", trace.WithAttributes(
		attribute.Int64("capture.size", staged.Size),
		attribute.String("capture.content_type", staged.ContentType),
	))
	jobID, err := o.submit(uctx, r, staged)
	if err != nil {
		tracing.SetError(uctx, err)
	}
	span.End()

	if err != nil {
		o.fail(ctx, r, err, "")
		return
	}
	o.metrics.UploadedBytes(staged.Size)
	r.logger.Info("capture uploaded", logging.Fields{"job_id": jobID, "size": staged.Size})

	if !o.publish(r, models.Submitted{JobID: jobID}) {
		return
	}
	o.poll(ctx, r, jobID)
}

func (o *Orchestrator) submit(ctx context.Context, r *run, staged *capture.Staged) (string, error) {
	f, err := staged.Open()
	if err != nil {
		return "", &client.UploadError{Reason: "failed to open staged capture", Err: err}
	}
	defer f.Close()

	return o.submitter.Submit(ctx, client.Upload{
		Body:        f,
		Size:        staged.Size,
		Filename:    staged.Filename,
		ContentType: staged.ContentType,
		Progress: func(written, total int64) {
			o.progress(r, client.Fraction(written, total))
		},
	})
}

// poll publishes Polling before every attempt and moves on to the download
// once the job completed
func (o *Orchestrator) poll(ctx context.Context, r *run, jobID string) {
	pctx, span := o.tracer.Start(ctx, "poll", trace.WithAttributes(attribute.String("job.id", jobID)))
	url, err := o.poller.Run(pctx, jobID, func(attempt int) error {
		if !o.publish(r, models.Polling{JobID: jobID, Attempt: attempt}) {
			return errSuperseded
		}
		tracing.AddEvent(pctx, "attempt", attribute.Int("attempt", attempt))
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		tracing.SetError(pctx, err)
	}
	span.End()

	if err != nil {
		o.fail(ctx, r, err, jobID)
		return
	}

	if !o.publish(r, models.Downloading{JobID: jobID, URL: url}) {
		return
	}
	o.download(ctx, r, jobID, url)
}

// download fetches the artifact and publishes the terminal state
func (o *Orchestrator) download(ctx context.Context, r *run, jobID, url string) {
	if ctx.Err() != nil {
		return
	}

	dctx, span := o.tracer.Start(ctx, "download", trace.WithAttributes(attribute.String("job.id", jobID)))
	content, err := o.downloader.Download(dctx, url)
	if err != nil {
		tracing.SetError(dctx, err)
	}
	span.End()

	if err != nil {
		o.fail(ctx, r, err, jobID)
		return
	}

	r.logger.Info("result downloaded", logging.Fields{"job_id": jobID, "bytes": len(content)})
	o.publish(r, models.Succeeded{JobID: jobID, Content: content})
}

// fail publishes Failed for err unless the run was cancelled or superseded
func (o *Orchestrator) fail(ctx context.Context, r *run, err error, jobID string) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, errSuperseded) {
		r.logger.Debug("run stopped", logging.Fields{"reason": err.Error()})
		return
	}

	msg := failureMessage(err)
	r.logger.Warn("run failed", logging.Fields{"job_id": jobID, "error": err.Error()})
	o.publish(r, models.Failed{Message: msg, JobID: jobID})
}

// failureMessage turns a run error into the user-facing Failed message
func failureMessage(err error) string {
	var (
		uploadErr   *client.UploadError
		notFound    *client.NotFoundError
		downloadErr *client.DownloadError
		timeout     *poller.TimeoutError
		missingURL  *poller.MissingURLError
		remote      *poller.RemoteFailure
	)

	switch {
	case errors.As(err, &timeout):
		return msgTimeout
	case errors.As(err, &missingURL):
		return msgMissingURL
	case errors.As(err, &remote):
		return prefixRemote + remote.Reason
	case errors.As(err, &notFound):
		return prefixStatus + notFound.Error()
	case errors.As(err, &uploadErr):
		switch {
		case uploadErr.StatusCode != 0:
			return prefixUpload + httpSummary(uploadErr.StatusCode, uploadErr.BodyExcerpt)
		case uploadErr.Reason == "" && uploadErr.Err != nil:
			return prefixUpload + uploadErr.Err.Error()
		default:
			return prefixUpload + uploadErr.Error()
		}
	case errors.As(err, &downloadErr):
		switch {
		case downloadErr.StatusCode != 0:
			return prefixDownload + httpSummary(downloadErr.StatusCode, downloadErr.BodyExcerpt)
		case downloadErr.Reason == "" && downloadErr.Err != nil:
			return prefixDownload + downloadErr.Err.Error()
		default:
			return prefixDownload + downloadErr.Error()
		}
	default:
		// staging errors surface before any job exists; everything else
		// reaching here came out of the poller
		var staging *stagingError
		if errors.As(err, &staging) {
			return prefixUpload + staging.Err.Error()
		}
		return prefixStatus + err.Error()
	}
}

func httpSummary(code int, excerpt string) string {
	if excerpt == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, excerpt)
}

// stagingError marks failures to materialize the capture
type stagingError struct {
	Err error
}

func (e *stagingError) Error() string { return "staging capture: " + e.Err.Error() }
func (e *stagingError) Unwrap() error { return e.Err }
