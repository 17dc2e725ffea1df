package provider

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for provider operations.
var (
	// ErrJobNotFound indicates the provider does not know the async job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrMalformedResponse indicates the provider response could not be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "CopyBatchCheck").
	Op string

	// Provider is the provider type (e.g., "dropbox").
	Provider ProviderType

	// JobID is the async job id, if applicable.
	JobID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsJobNotFound returns true if the error indicates an unknown async job id.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsProviderUnavailable returns true if the error indicates the provider service is unavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsMalformedResponse returns true if the provider response could not be decoded.
func IsMalformedResponse(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// Code returns a stable short code for err, suitable for log fields and
// JSONL error records.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsJobNotFound(err):
		return "NOT_FOUND"
	case IsAccessDenied(err):
		return "ACCESS_DENIED"
	case IsInvalidCredentials(err):
		return "INVALID_CREDENTIALS"
	case IsThrottled(err):
		return "THROTTLED"
	case IsProviderUnavailable(err):
		return "PROVIDER_UNAVAILABLE"
	case IsMalformedResponse(err):
		return "MALFORMED_RESPONSE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
