package models

import (
	"fmt"
	"time"
)

// StateKind names a JobState variant
type StateKind string

const (
	KindIdle        StateKind = "idle"
	KindUploading   StateKind = "uploading"
	KindSubmitted   StateKind = "submitted"
	KindPolling     StateKind = "polling"
	KindDownloading StateKind = "downloading"
	KindSucceeded   StateKind = "succeeded"
	KindFailed      StateKind = "failed"
)

// JobState is the closed set of client-side job states.
// Values are immutable; a transition replaces the whole value.
type JobState interface {
	Kind() StateKind
	isJobState()
}

// Idle means no job is in flight
type Idle struct{}

// Uploading reports file transfer progress in [0,1]
type Uploading struct {
	Progress float64
}

// Submitted means the server accepted the upload and assigned JobID
type Submitted struct {
	JobID string
}

// Polling means a status check is in flight or waiting for the next interval
type Polling struct {
	JobID   string
	Attempt int
}

// Downloading means the job completed and the artifact is being fetched
type Downloading struct {
	JobID string
	URL   string
}

// Succeeded holds the retrieved artifact
type Succeeded struct {
	JobID   string
	Content []byte
}

// Failed is terminal. JobID is empty when the failure happened before
// the server assigned an identifier.
type Failed struct {
	Message string
	JobID   string
}

func (Idle) Kind() StateKind        { return KindIdle }
func (Uploading) Kind() StateKind   { return KindUploading }
func (Submitted) Kind() StateKind   { return KindSubmitted }
func (Polling) Kind() StateKind     { return KindPolling }
func (Downloading) Kind() StateKind { return KindDownloading }
func (Succeeded) Kind() StateKind   { return KindSucceeded }
func (Failed) Kind() StateKind      { return KindFailed }

func (Idle) isJobState()        {}
func (Uploading) isJobState()   {}
func (Submitted) isJobState()   {}
func (Polling) isJobState()     {}
func (Downloading) isJobState() {}
func (Succeeded) isJobState()   {}
func (Failed) isJobState()      {}

// JobIDOf returns the job identifier carried by s, if any
func JobIDOf(s JobState) (string, bool) {
	switch v := s.(type) {
	case Idle, Uploading:
		return "", false
	case Submitted:
		return v.JobID, true
	case Polling:
		return v.JobID, true
	case Downloading:
		return v.JobID, true
	case Succeeded:
		return v.JobID, true
	case Failed:
		return v.JobID, v.JobID != ""
	default:
		panic(fmt.Sprintf("unhandled job state %T", s))
	}
}

// IsTerminal returns true for states with no further automatic transition
func IsTerminal(s JobState) bool {
	switch s.(type) {
	case Succeeded, Failed:
		return true
	default:
		return false
	}
}

// Describe renders a state for humans (CLI, logs)
func Describe(s JobState) string {
	switch v := s.(type) {
	case Idle:
		return "Idle"
	case Uploading:
		return fmt.Sprintf("Uploading %d%%", int(v.Progress*100))
	case Submitted:
		return fmt.Sprintf("Submitted (job %s)", ShortID(v.JobID))
	case Polling:
		return fmt.Sprintf("Checking status (attempt %d, job %s)", v.Attempt, ShortID(v.JobID))
	case Downloading:
		return fmt.Sprintf("Downloading result (job %s)", ShortID(v.JobID))
	case Succeeded:
		return fmt.Sprintf("Succeeded (job %s, %d bytes)", ShortID(v.JobID), len(v.Content))
	case Failed:
		if v.JobID == "" {
			return "Failed: " + v.Message
		}
		return fmt.Sprintf("Failed (job %s): %s", ShortID(v.JobID), v.Message)
	default:
		panic(fmt.Sprintf("unhandled job state %T", s))
	}
}

// ShortID truncates a job id for display
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// Snapshot is the serialized form of a published state
type Snapshot struct {
	Run      uint64    `json:"run"`
	State    StateKind `json:"state"`
	JobID    string    `json:"job_id,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	URL      string    `json:"url,omitempty"`
	Content  string    `json:"content,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// NewSnapshot flattens s for serialization
func NewSnapshot(run uint64, s JobState, at time.Time) Snapshot {
	snap := Snapshot{Run: run, State: s.Kind(), At: at}
	switch v := s.(type) {
	case Idle:
	case Uploading:
		p := v.Progress
		snap.Progress = &p
	case Submitted:
		snap.JobID = v.JobID
	case Polling:
		snap.JobID = v.JobID
		snap.Attempt = v.Attempt
	case Downloading:
		snap.JobID = v.JobID
		snap.URL = v.URL
	case Succeeded:
		snap.JobID = v.JobID
		snap.Content = string(v.Content)
	case Failed:
		snap.JobID = v.JobID
		snap.Message = v.Message
	default:
		panic(fmt.Sprintf("unhandled job state %T", s))
	}
	return snap
}
