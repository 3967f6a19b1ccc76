package poller

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/pcap-relay/pkg/client"
	"github.com/psantana5/pcap-relay/pkg/logging"
	"github.com/psantana5/pcap-relay/pkg/models"
	"github.com/psantana5/pcap-relay/pkg/retry"
)

// Attempt outcomes reported to the Recorder
const (
	OutcomeProcessing = "processing"
	OutcomeUnknown    = "unknown_status"
	OutcomeTransient  = "transient_fault"
	OutcomeCompleted  = "completed"
	OutcomeMissingURL = "missing_url"
	OutcomeFailed     = "failed"
	OutcomeNotFound   = "not_found"
	OutcomeError      = "error"
)

// TimeoutError means the attempt budget ran out without a terminal status
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still not finished after %d status checks", e.JobID, e.Attempts)
}

// MissingURLError means the server reported completed without a result url
type MissingURLError struct {
	JobID string
}

func (e *MissingURLError) Error() string {
	return fmt.Sprintf("job %s completed but result URL missing", e.JobID)
}

// RemoteFailure means the server marked the job failed
type RemoteFailure struct {
	JobID  string
	Reason string
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// transientFault is absorbed inside Run and never returned
type transientFault struct {
	err error
}

func (f *transientFault) Error() string { return "transient poll fault: " + f.err.Error() }
func (f *transientFault) Unwrap() error { return f.err }

// StatusFetcher performs a single status check
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error)
}

// Recorder receives one outcome per executed attempt
type Recorder interface {
	PollAttempt(outcome string)
}

// BeforeAttempt runs before each status request. Returning an error ends
// polling with that error; the orchestrator uses it to publish Polling
// and to stop runs that were superseded.
type BeforeAttempt func(attempt int) error

// Poller repeatedly queries job status until a terminal outcome
type Poller struct {
	fetcher  StatusFetcher
	policy   retry.Policy
	recorder Recorder
	logger   *logging.Logger
}

// New creates a poller
func New(fetcher StatusFetcher, policy retry.Policy, logger *logging.Logger) *Poller {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Poller{
		fetcher: fetcher,
		policy:  policy,
		logger:  logger.WithField("component", "poller"),
	}
}

// SetRecorder attaches an outcome recorder
func (p *Poller) SetRecorder(r Recorder) {
	p.recorder = r
}

// Policy returns the timing policy
func (p *Poller) Policy() retry.Policy {
	return p.policy
}

func (p *Poller) record(outcome string) {
	if p.recorder != nil {
		p.recorder.PollAttempt(outcome)
	}
}

// Run polls jobID and returns the result url once the job completed.
func (p *Poller) Run(ctx context.Context, jobID string, before BeforeAttempt) (string, error) {
	log := p.logger.WithField("job_id", jobID)
	var resultURL string

	attempts, err := retry.Poll(ctx, p.policy, func(ctx context.Context, attempt int) (bool, error) {
		if before != nil {
			if err := before(attempt); err != nil {
				return false, err
			}
		}
		// cancelled while publishing
		if err := ctx.Err(); err != nil {
			return false, err
		}

		log.Debug("polling", logging.Fields{"attempt": attempt})
		url, done, err := p.check(ctx, log, jobID)

		var fault *transientFault
		if errors.As(err, &fault) {
			log.Warn("status check failed, will retry", logging.Fields{"attempt": attempt, "error": fault.err.Error()})
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if done {
			resultURL = url
		}
		return done, nil
	})

	switch {
	case errors.Is(err, retry.ErrAttemptsExhausted):
		log.Warn("max attempts reached", logging.Fields{"attempts": attempts})
		return "", &TimeoutError{JobID: jobID, Attempts: attempts}
	case err != nil:
		return "", err
	default:
		return resultURL, nil
	}
}

// check performs one attempt and interprets the response
func (p *Poller) check(ctx context.Context, log *logging.Logger, jobID string) (string, bool, error) {
	resp, err := p.fetcher.Status(ctx, jobID)
	if err != nil {
		var notFound *client.NotFoundError
		var statusErr *client.StatusError
		var malformed *client.MalformedStatusError
		switch {
		case ctx.Err() != nil:
			return "", false, ctx.Err()
		case errors.As(err, &notFound):
			p.record(OutcomeNotFound)
			return "", false, err
		case errors.As(err, &statusErr), errors.As(err, &malformed):
			p.record(OutcomeTransient)
			return "", false, &transientFault{err: err}
		default:
			p.record(OutcomeError)
			return "", false, err
		}
	}

	switch resp.Status {
	case models.JobStatusCompleted:
		url, ok := resp.ResultLocation()
		if !ok {
			p.record(OutcomeMissingURL)
			return "", false, &MissingURLError{JobID: jobID}
		}
		p.record(OutcomeCompleted)
		return url, true, nil
	case models.JobStatusFailed:
		p.record(OutcomeFailed)
		return "", false, &RemoteFailure{JobID: jobID, Reason: resp.ErrorMessage()}
	case models.JobStatusProcessing:
		p.record(OutcomeProcessing)
		return "", false, nil
	default:
		// forward-compatible: unrecognized statuses keep polling
		p.record(OutcomeUnknown)
		log.Warn("unknown job status", logging.Fields{"status": string(resp.Status)})
		return "", false, nil
	}
}
