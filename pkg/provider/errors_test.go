package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_Error(t *testing.T) {
	withJob := &ProviderError{Op: "CopyBatchCheck", Provider: ProviderDropbox, JobID: "dbjid:1", Err: ErrThrottled}
	assert.Equal(t, "dropbox CopyBatchCheck: dbjid:1: request throttled", withJob.Error())

	withoutJob := &ProviderError{Op: "New", Provider: ProviderDropbox, Err: ErrInvalidCredentials}
	assert.Equal(t, "dropbox New: invalid credentials", withoutJob.Error())
}

func TestProviderError_Unwrap(t *testing.T) {
	err := fmt.Errorf("tick: %w", &ProviderError{Op: "DeleteBatchCheck", Provider: ProviderDropbox, Err: fmt.Errorf("%w (status 409)", ErrJobNotFound)})

	assert.True(t, IsJobNotFound(err))
	assert.False(t, IsThrottled(err))

	var provErr *ProviderError
	assert.True(t, errors.As(err, &provErr))
	assert.Equal(t, "DeleteBatchCheck", provErr.Op)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrJobNotFound, "NOT_FOUND"},
		{ErrAccessDenied, "ACCESS_DENIED"},
		{ErrInvalidCredentials, "INVALID_CREDENTIALS"},
		{ErrThrottled, "THROTTLED"},
		{ErrProviderUnavailable, "PROVIDER_UNAVAILABLE"},
		{ErrMalformedResponse, "MALFORMED_RESPONSE"},
		{context.DeadlineExceeded, "TIMEOUT"},
		{errors.New("boom"), "INTERNAL"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "err=%v", tt.err)
	}
}
