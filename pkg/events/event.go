// Package events carries batch job notifications from pollers to
// subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/3leaps/batchwatch/pkg/batch"
)

// Topic names a stream of events.
type Topic string

const (
	TopicRunning  Topic = "batch_work_running"
	TopicComplete Topic = "batch_work_complete"
	TopicFailed   Topic = "batch_work_failed"
)

// Topics returns every topic the bus carries.
func Topics() []Topic {
	return []Topic{TopicRunning, TopicComplete, TopicFailed}
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case TopicRunning, TopicComplete, TopicFailed:
		return true
	}
	return false
}

// Event status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Event is one notification about a batch job.
type Event struct {
	Topic Topic `json:"topic"`

	JobID string `json:"job_id"`

	// OperationKind is nil on item-level failures.
	OperationKind *batch.OperationKind `json:"operation_kind,omitempty"`

	Status        string              `json:"status"`
	Entries       []batch.ResultEntry `json:"entries,omitempty"`
	CorrelationID string              `json:"correlation_id"`
	Path          string              `json:"path,omitempty"`
	EmittedAt     time.Time           `json:"emitted_at"`
}

// MarshalJSON always writes entries on complete events, as [] when the
// batch had none.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Topic != TopicComplete {
		return json.Marshal(plain(e))
	}
	entries := e.Entries
	if entries == nil {
		entries = []batch.ResultEntry{}
	}
	return json.Marshal(struct {
		plain
		Entries []batch.ResultEntry `json:"entries"`
	}{plain(e), entries})
}

// Terminal reports whether the event ends its job's stream.
func (e Event) Terminal() bool {
	return e.Topic == TopicComplete || e.Topic == TopicFailed
}

func kindPtr(k batch.OperationKind) *batch.OperationKind {
	return &k
}

// Running builds a progress event.
func Running(h batch.JobHandle, at time.Time) Event {
	return Event{
		Topic:         TopicRunning,
		JobID:         h.OperationID,
		OperationKind: kindPtr(h.Kind),
		Status:        StatusRunning,
		CorrelationID: h.CorrelationID,
		Path:          h.Path,
		EmittedAt:     at,
	}
}

// Completed builds a completion event carrying the normalized entries.
func Completed(h batch.JobHandle, entries []batch.ResultEntry, at time.Time) Event {
	return Event{
		Topic:         TopicComplete,
		JobID:         h.OperationID,
		OperationKind: kindPtr(h.Kind),
		Status:        StatusComplete,
		Entries:       entries,
		CorrelationID: h.CorrelationID,
		Path:          h.Path,
		EmittedAt:     at,
	}
}

// FailedEvent builds a failure event. Item-level failures omit the
// operation kind.
func FailedEvent(h batch.JobHandle, itemLevel bool, at time.Time) Event {
	ev := Event{
		Topic:         TopicFailed,
		JobID:         h.OperationID,
		Status:        StatusFailed,
		CorrelationID: h.CorrelationID,
		Path:          h.Path,
		EmittedAt:     at,
	}
	if !itemLevel {
		ev.OperationKind = kindPtr(h.Kind)
	}
	return ev
}
