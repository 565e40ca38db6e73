package store

import (
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultJobRetention is how long a job record is kept regardless of status.
const DefaultJobRetention = 7 * 24 * time.Hour

var (
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status update would move a job
	// backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// predecessor returns the only status a job may hold before moving to s.
func (s JobStatus) predecessor() (JobStatus, bool) {
	switch s {
	case JobStatusProcessing:
		return JobStatusPending, true
	case JobStatusCompleted, JobStatusFailed:
		return JobStatusProcessing, true
	}
	return "", false
}

// CanTransition reports whether a job may move from one status to another.
// Jobs go pending -> processing -> completed|failed and never back.
func CanTransition(from, to JobStatus) bool {
	prev, ok := to.predecessor()
	return ok && prev == from
}

// Job is a durable unit of deferred conversion or generation work.
type Job struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Destination string     `json:"destination"`
	Kind        string     `json:"kind"`
	Status      JobStatus  `json:"status"`
	PayloadJSON string     `json:"payload_json"`
	ResultJSON  string     `json:"result_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// InsertJob records a new pending job.
	InsertJob(job Job) error

	// ListPending returns up to limit pending jobs, oldest first.
	ListPending(limit int) ([]Job, error)

	// ClaimJob moves a pending job to processing. It returns false when the
	// job is no longer pending, e.g. because another processor claimed it.
	ClaimJob(id string, now time.Time) (bool, error)

	// UpdateJobStatus moves a job forward to status, storing result on
	// completion and errMsg on failure. Backward moves return
	// ErrInvalidTransition.
	UpdateJobStatus(id string, status JobStatus, result, errMsg string) error

	// GetJob retrieves a single job by ID. Unknown IDs return ErrJobNotFound.
	GetJob(id string) (*Job, error)

	// DeletePast deletes every job whose expires_at is before now.
	DeletePast(now time.Time) (int, error)

	// ReclaimStale re-claims up to limit jobs stuck in processing since before
	// staleBefore. The claim timestamp is bumped; the status stays processing.
	ReclaimStale(staleBefore, now time.Time, limit int) ([]Job, error)

	// ListUnnotified returns terminal jobs whose owner has not been notified.
	ListUnnotified(limit int) ([]Job, error)

	// MarkNotified records that the job's outcome was handed to delivery.
	MarkNotified(id string, now time.Time) error
}

// JobQueue is the producer-side API over a JobRepo.
type JobQueue struct {
	repo      JobRepo
	retention time.Duration
}

// NewJobQueue creates a JobQueue. A non-positive retention selects
// DefaultJobRetention.
func NewJobQueue(repo JobRepo, retention time.Duration) *JobQueue {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobQueue{repo: repo, retention: retention}
}

// Enqueue durably records a pending job and returns its ID.
func (q *JobQueue) Enqueue(ownerID, destination, kind, payloadJSON string) (string, error) {
	now := time.Now()
	job := Job{
		ID:          newJobID(),
		OwnerID:     ownerID,
		Destination: destination,
		Kind:        kind,
		Status:      JobStatusPending,
		PayloadJSON: payloadJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(q.retention),
	}
	if err := q.repo.InsertJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Get returns the job with the given ID.
func (q *JobQueue) Get(id string) (*Job, error) {
	return q.repo.GetJob(id)
}
