package devserver

import (
	"errors"
	"sync"
	"time"

	"github.com/psantana5/pcap-relay/pkg/models"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one uploaded capture and its conversion result
type Job struct {
	ID        string
	Filename  string
	Size      int64
	Status    models.JobStatus
	Error     string
	Result    []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MemoryStore keeps jobs in memory; nothing survives a restart
type MemoryStore struct {
	jobs map[string]*Job
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// CreateJob adds a job in the processing state
func (s *MemoryStore) CreateJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.Status = models.JobStatusProcessing
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
}

// GetJob returns a copy of the job
func (s *MemoryStore) GetJob(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Complete stores the result and marks the job completed
func (s *MemoryStore) Complete(id string, result []byte) error {
	return s.update(id, func(job *Job) {
		job.Status = models.JobStatusCompleted
		job.Result = result
	})
}

// Fail marks the job failed with reason
func (s *MemoryStore) Fail(id, reason string) error {
	return s.update(id, func(job *Job) {
		job.Status = models.JobStatusFailed
		job.Error = reason
	})
}

func (s *MemoryStore) update(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

// Count returns the number of jobs per status
func (s *MemoryStore) Count() map[models.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts
}
