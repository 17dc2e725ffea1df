package batch

import (
	"errors"
	"strings"
)

// JobHandle identifies one in-flight remote batch operation.
//
// A handle is created when the provider accepts a batch request and is never
// modified afterwards; pass it by value.
type JobHandle struct {
	// OperationID is the opaque async job id issued by the provider.
	OperationID string `json:"operation_id"`

	// Kind is the operation the job performs.
	Kind OperationKind `json:"operation_kind"`

	// Credential is the access token used to poll the job. It is never logged.
	Credential string `json:"credential"`

	// Path is the filesystem path the request was issued for (informational).
	Path string `json:"path,omitempty"`

	// CorrelationID is supplied by the originating request and echoed in every
	// event emitted for this job.
	CorrelationID string `json:"correlation_id"`
}

// Validate checks the fields required to poll the job.
func (h JobHandle) Validate() error {
	var errs []error
	if strings.TrimSpace(h.OperationID) == "" {
		errs = append(errs, errors.New("operation_id is required"))
	}
	if !h.Kind.Valid() {
		errs = append(errs, errors.New("operation_kind must be copy, move or delete"))
	}
	if strings.TrimSpace(h.Credential) == "" {
		errs = append(errs, errors.New("credential is required"))
	}
	return errors.Join(errs...)
}
