// Package provider defines the status-check surface batchwatch consumes from
// a cloud-storage provider.
//
// Providers expose one status-check call per batch operation kind. Clients
// are cheap and built per poll from the job's credential; batchwatch never
// refreshes or validates credentials itself.
package provider

import (
	"context"

	"github.com/3leaps/batchwatch/pkg/batch"
)

// StatusChecker checks the status of asynchronous batch jobs.
//
// Implementations should:
//   - Dispatch to the provider endpoint for the given kind
//   - Return errors wrapped as *ProviderError with a sentinel from this package
//   - Be safe for concurrent use
type StatusChecker interface {
	// CheckBatch returns the current status of the batch job identified by
	// operationID. It blocks for the duration of one remote call.
	CheckBatch(ctx context.Context, kind batch.OperationKind, operationID string) (*batch.RawJobStatus, error)
}

// Factory builds a StatusChecker authorized with credential.
type Factory func(ctx context.Context, credential string) (StatusChecker, error)

// ProviderType identifies a cloud storage provider.
type ProviderType string

const (
	// ProviderDropbox represents the Dropbox HTTP API.
	ProviderDropbox ProviderType = "dropbox"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
