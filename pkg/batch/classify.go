package batch

import (
	"fmt"

	"github.com/samber/lo"
)

// Decision is the outcome of classifying one job-status response.
//
// The concrete types are Progress, Complete and Failed. A nil Decision means
// the status carried a tag the classifier does not recognize.
type Decision interface {
	decision()
}

// Progress means the job is still running.
type Progress struct{}

// Complete means every item of the job succeeded.
type Complete struct {
	Entries []ResultEntry
}

// Failed means the job failed. ItemLevel is set when the provider reported
// the job complete but at least one item failed.
type Failed struct {
	ItemLevel bool
	Entries   []ResultEntry
}

func (Progress) decision() {}
func (Complete) decision() {}
func (Failed) decision()   {}

// Terminal reports whether d ends the job.
func Terminal(d Decision) bool {
	switch d.(type) {
	case Complete, Failed:
		return true
	default:
		return false
	}
}

// Classify interprets a job status for a job of the given kind.
//
// A "complete" status with any failed item is escalated to Failed: partial
// success is never reported. Normalization errors are returned as-is; an
// unrecognized tag yields (nil, nil).
func Classify(status RawJobStatus, kind OperationKind) (Decision, error) {
	switch status.Tag {
	case StatusInProgress:
		return Progress{}, nil
	case StatusComplete:
		entries, err := Normalize(status.Entries, kind)
		if err != nil {
			return nil, fmt.Errorf("classify %s status: %w", kind, err)
		}
		if lo.ContainsBy(entries, ResultEntry.IsFailure) {
			return Failed{ItemLevel: true, Entries: entries}, nil
		}
		return Complete{Entries: entries}, nil
	case StatusFailed:
		return Failed{}, nil
	default:
		return nil, nil
	}
}

// FailureReasons returns the reasons of the failed entries, in order.
func FailureReasons(entries []ResultEntry) []string {
	return lo.FilterMap(entries, func(e ResultEntry, _ int) (string, bool) {
		return e.Reason, e.IsFailure()
	})
}
