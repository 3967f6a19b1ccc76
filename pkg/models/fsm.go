package models

import "fmt"

// validTransitions maps from-state to allowed to-states
var validTransitions = map[StateKind]map[StateKind]bool{
	KindIdle: {
		KindUploading:   true, // Idle → Uploading (start)
		KindDownloading: true, // Idle → Downloading (direct fetch)
		KindIdle:        true,
	},
	KindUploading: {
		KindUploading: true, // progress update
		KindSubmitted: true, // Uploading → Submitted (job id assigned)
		KindFailed:    true,
	},
	KindSubmitted: {
		KindPolling: true, // Submitted → Polling (first attempt)
		KindFailed:  true,
	},
	KindPolling: {
		KindPolling:     true, // next attempt
		KindDownloading: true, // Polling → Downloading (completed with url)
		KindFailed:      true,
	},
	KindDownloading: {
		KindSucceeded: true,
		KindFailed:    true,
	},
	// Terminal states only leave through a new start or a reset
	KindSucceeded: {},
	KindFailed:    {},
}

// ValidateTransition checks if from → to is allowed within one run.
// Start, fetch and cancel reset the machine and are not checked here.
func ValidateTransition(from, to JobState) error {
	allowed, ok := validTransitions[from.Kind()]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from.Kind())
	}
	if !allowed[to.Kind()] {
		return fmt.Errorf("invalid transition from %s to %s", from.Kind(), to.Kind())
	}

	switch f := from.(type) {
	case Uploading:
		if u, ok := to.(Uploading); ok && u.Progress < f.Progress {
			return fmt.Errorf("upload progress regressed from %.3f to %.3f", f.Progress, u.Progress)
		}
	case Polling:
		if p, ok := to.(Polling); ok {
			if p.JobID != f.JobID {
				return fmt.Errorf("job id changed from %s to %s while polling", f.JobID, p.JobID)
			}
			if p.Attempt < f.Attempt {
				return fmt.Errorf("poll attempt regressed from %d to %d", f.Attempt, p.Attempt)
			}
		}
	}

	if fromID, ok := JobIDOf(from); ok {
		if toID, ok := JobIDOf(to); ok && toID != fromID {
			return fmt.Errorf("job id changed from %s to %s", fromID, toID)
		}
	}
	return nil
}
