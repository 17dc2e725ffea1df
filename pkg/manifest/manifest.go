// Package manifest loads watch manifests: YAML or JSON files listing batch
// jobs to poll until they finish.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded. The schema is strict and rejects unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	poll:
//	  interval: 2s
//	  timeout: 30m
//	jobs:
//	  - operation_id: "dbjid:AAD2bG..."
//	    operation_kind: copy
//	    credential_env: DROPBOX_TOKEN
//	    path: /photos/2024
//	  - operation_id: "dbjid:AAB9xQ..."
//	    operation_kind: delete
//	    credential_env: DROPBOX_TOKEN
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3leaps/batchwatch/pkg/batch"
)

// Manifest represents a validated watch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Poll overrides polling behavior for this run (optional).
	Poll PollConfig `json:"poll,omitempty" yaml:"poll,omitempty"`

	// Jobs lists the batch jobs to watch. At least one is required.
	Jobs []JobSpec `json:"jobs" yaml:"jobs"`
}

// PollConfig configures polling for a manifest run.
type PollConfig struct {
	// Interval between status checks of each job, as a Go duration
	// ("500ms", "2s"). Default: DefaultInterval.
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Timeout bounds the whole run. Empty means no bound.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// JobSpec is one job entry of a manifest.
//
// Exactly one of Credential and CredentialEnv is set (schema-enforced).
type JobSpec struct {
	OperationID   string `json:"operation_id" yaml:"operation_id"`
	OperationKind string `json:"operation_kind" yaml:"operation_kind"`

	Credential    string `json:"credential,omitempty" yaml:"credential,omitempty"`
	CredentialEnv string `json:"credential_env,omitempty" yaml:"credential_env,omitempty"`

	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultInterval is the default poll interval.
	DefaultInterval = "1s"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Poll.Interval == "" {
		m.Poll.Interval = DefaultInterval
	}
}

// IntervalDuration parses Poll.Interval.
func (p PollConfig) IntervalDuration() (time.Duration, error) {
	s := p.Interval
	if s == "" {
		s = DefaultInterval
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("poll.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll.interval must be positive, got %s", s)
	}
	return d, nil
}

// TimeoutDuration parses Poll.Timeout. Zero means no bound.
func (p PollConfig) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("poll.timeout: %w", err)
	}
	return d, nil
}

// Handles resolves every job to a batch.JobHandle. lookupEnv resolves
// credential_env references; nil uses os.LookupEnv.
func (m *Manifest) Handles(lookupEnv func(string) (string, bool)) ([]batch.JobHandle, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	var errs []error
	out := make([]batch.JobHandle, 0, len(m.Jobs))
	for i, j := range m.Jobs {
		h, err := j.handle(lookupEnv)
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] (%s): %w", i, j.OperationID, err))
			continue
		}
		out = append(out, h)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (j JobSpec) handle(lookupEnv func(string) (string, bool)) (batch.JobHandle, error) {
	kind, err := batch.ParseOperationKind(j.OperationKind)
	if err != nil {
		return batch.JobHandle{}, err
	}

	credential := j.Credential
	if j.CredentialEnv != "" {
		v, ok := lookupEnv(j.CredentialEnv)
		if !ok || strings.TrimSpace(v) == "" {
			return batch.JobHandle{}, fmt.Errorf("credential env %s is not set", j.CredentialEnv)
		}
		credential = v
	}

	h := batch.JobHandle{
		OperationID:   j.OperationID,
		Kind:          kind,
		Credential:    credential,
		Path:          j.Path,
		CorrelationID: j.CorrelationID,
	}
	return h, h.Validate()
}
