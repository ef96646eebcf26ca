package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a transformation job.
//
// Queued -> Running -> Succeeded | Failed
// Queued -> Cancelled (only before a worker claims the job)
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobRecord is the persisted view of a job, written to the metadata store on
// submission and on every terminal transition.
type JobRecord struct {
	ID          uuid.UUID `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Requester   string    `json:"requester"`
	State       JobState  `json:"state"`
	Error       string    `json:"error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}
