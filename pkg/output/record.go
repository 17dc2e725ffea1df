// Package output provides JSONL output for watched batch jobs.
//
// Output is structured as typed record envelopes containing job events,
// admissions, errors, and a final summary. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/batchwatch/pkg/batch"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: batchwatch.<type>.v<version>
const (
	// TypeJob identifies job admission records.
	TypeJob = "batchwatch.job.v1"

	// TypeEvent identifies job event records (running, complete, failed).
	TypeEvent = "batchwatch.event.v1"

	// TypeError identifies error records.
	TypeError = "batchwatch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "batchwatch.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "batchwatch.event.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the provider job the record is about. Empty for run-level
	// records such as the summary.
	JobID string `json:"job_id,omitempty"`

	// Provider identifies the storage provider (e.g., "dropbox").
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload emitted when a job is admitted.
type JobRecord struct {
	OperationKind batch.OperationKind `json:"operation_kind"`
	Path          string              `json:"path,omitempty"`
	CorrelationID string              `json:"correlation_id"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole run, so other
// jobs keep reporting when one cannot be polled.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeAbandoned indicates polling stopped without a terminal status.
	ErrCodeAbandoned = "ABANDONED"

	// ErrCodeRejected indicates the job could not be admitted.
	ErrCodeRejected = "REJECTED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a watch run with aggregate
// counts.
type SummaryRecord struct {
	// Jobs is the number of jobs admitted.
	Jobs int `json:"jobs"`

	// Complete is the number of jobs that completed.
	Complete int `json:"complete"`

	// Failed is the number of jobs that failed, at job or item level.
	Failed int `json:"failed"`

	// Abandoned is the number of jobs whose status could not be obtained.
	Abandoned int `json:"abandoned"`

	// Pending is the number of jobs still running when the run ended.
	Pending int `json:"pending"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
