package models

// JobStatus is the server-side status string. Unknown values are legal.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobStatusResponse is the body of GET /status/{jobId}
type JobStatusResponse struct {
	Status JobStatus `json:"status"`
	URL    *string   `json:"url,omitempty"`
	Error  *string   `json:"error,omitempty"`
}

// UploadResponse is the body of POST /upload
type UploadResponse struct {
	JobID string `json:"job_id" mapstructure:"job_id"`
}

// ResultLocation returns the url when present and non-empty
func (r *JobStatusResponse) ResultLocation() (string, bool) {
	if r.URL == nil || *r.URL == "" {
		return "", false
	}
	return *r.URL, true
}

// ErrorMessage returns the server error or a default
func (r *JobStatusResponse) ErrorMessage() string {
	if r.Error == nil || *r.Error == "" {
		return "Unknown server error"
	}
	return *r.Error
}
