package jobregistry

import (
	"time"

	"github.com/3leaps/batchwatch/pkg/batch"
)

// JobState is the lifecycle state of a polled job.
//
// NOTE: These values are persisted in job.json.
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateComplete  JobState = "complete"
	JobStateFailed    JobState = "failed"
	JobStateAbandoned JobState = "abandoned"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state ends polling.
func (s JobState) Terminal() bool {
	return s != JobStateRunning
}

// JobRecord is the persistent snapshot of an active job written to job.json.
//
// Records exist only while the job is being polled. The credential is kept so
// polling can resume after a restart; job.json is written with mode 0600.
type JobRecord struct {
	JobID         string              `json:"job_id"`
	Kind          batch.OperationKind `json:"operation_kind"`
	Credential    string              `json:"credential"`
	Path          string              `json:"path,omitempty"`
	CorrelationID string              `json:"correlation_id"`
	State         JobState            `json:"state"`
	CreatedAt     time.Time           `json:"created_at"`

	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	Polls        int        `json:"polls,omitempty"`
}

// NewRecord snapshots h as a running job.
func NewRecord(h batch.JobHandle, now time.Time) *JobRecord {
	return &JobRecord{
		JobID:         h.OperationID,
		Kind:          h.Kind,
		Credential:    h.Credential,
		Path:          h.Path,
		CorrelationID: h.CorrelationID,
		State:         JobStateRunning,
		CreatedAt:     now.UTC(),
	}
}

// Handle rebuilds the job handle the record was created from.
func (r *JobRecord) Handle() batch.JobHandle {
	return batch.JobHandle{
		OperationID:   r.JobID,
		Kind:          r.Kind,
		Credential:    r.Credential,
		Path:          r.Path,
		CorrelationID: r.CorrelationID,
	}
}
