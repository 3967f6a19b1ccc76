package client

import (
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when a 2xx response carries no body
var ErrEmptyBody = errors.New("empty body")

// ErrBodyTooLarge is returned when a status or upload response exceeds its limit
var ErrBodyTooLarge = errors.New("response body too large")

// UploadError reports a failed upload: a non-2xx response, a transport
// failure or a response without a usable job id.
type UploadError struct {
	StatusCode  int    // 0 when no response was received
	BodyExcerpt string // first bytes of the error body
	Reason      string // set when the response itself was unusable
	Err         error
}

func (e *UploadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upload failed with status %d: %s", e.StatusCode, e.BodyExcerpt)
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Reason != "":
		return e.Reason
	default:
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
}

func (e *UploadError) Unwrap() error { return e.Err }

// NotFoundError means the server does not know the job id (HTTP 404)
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found on server", e.JobID)
}

// StatusError is a non-2xx, non-404 status response
type StatusError struct {
	JobID       string
	StatusCode  int
	BodyExcerpt string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status check for job %s failed with status %d: %s", e.JobID, e.StatusCode, e.BodyExcerpt)
}

// MalformedStatusError is a 2xx status response with an empty or
// unparseable body
type MalformedStatusError struct {
	JobID string
	Err   error
}

func (e *MalformedStatusError) Error() string {
	return fmt.Sprintf("unusable status response for job %s: %v", e.JobID, e.Err)
}

func (e *MalformedStatusError) Unwrap() error { return e.Err }

// DownloadError reports a failed artifact fetch
type DownloadError struct {
	StatusCode  int
	BodyExcerpt string
	Reason      string
	Err         error
}

func (e *DownloadError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("download failed with status %d: %s", e.StatusCode, e.BodyExcerpt)
	case e.Reason != "":
		return e.Reason
	default:
		return fmt.Sprintf("download failed: %v", e.Err)
	}
}

func (e *DownloadError) Unwrap() error { return e.Err }
