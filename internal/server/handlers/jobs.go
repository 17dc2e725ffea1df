package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/batchwatch/internal/errors"
	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/watcher"
)

// JobService is the part of watcher.Service the jobs API needs.
type JobService interface {
	Submit(ctx context.Context, h batch.JobHandle) (batch.JobHandle, error)
	Cancel(jobID string) bool
	Get(jobID string) (watcher.JobInfo, bool)
	Active() []watcher.JobInfo
}

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	OperationID   string `json:"operation_id" validate:"required,max=512"`
	OperationKind string `json:"operation_kind" validate:"required,oneof=copy move delete"`
	Credential    string `json:"credential" validate:"required"`
	Path          string `json:"path" validate:"omitempty,max=4096"`
	CorrelationID string `json:"correlation_id" validate:"omitempty,max=256"`
}

// SubmitJobResponse echoes the admitted handle without its credential.
type SubmitJobResponse struct {
	JobID         string              `json:"job_id"`
	OperationKind batch.OperationKind `json:"operation_kind"`
	Path          string              `json:"path,omitempty"`
	CorrelationID string              `json:"correlation_id"`
}

// ListJobsResponse is the body of GET /v1/jobs.
type ListJobsResponse struct {
	Jobs  []watcher.JobInfo `json:"jobs"`
	Count int               `json:"count"`
}

const maxSubmitBody = 64 << 10

// JobsHandler serves the /v1/jobs API.
type JobsHandler struct {
	svc      JobService
	logger   *zap.Logger
	validate *validator.Validate
}

// NewJobsHandler returns a handler backed by svc.
func NewJobsHandler(svc JobService, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &JobsHandler{svc: svc, logger: logger, validate: v}
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// Routes mounts the handler's endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/{jobID}", h.Get)
	r.Delete("/{jobID}", h.Cancel)
}

// Submit admits a job for polling. It answers 202 with the admitted handle.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid request body", err))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		respondWithError(w, r, validationError(err))
		return
	}

	kind, err := batch.ParseOperationKind(req.OperationKind)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid operation_kind", err))
		return
	}

	admitted, err := h.svc.Submit(r.Context(), batch.JobHandle{
		OperationID:   req.OperationID,
		Kind:          kind,
		Credential:    req.Credential,
		Path:          req.Path,
		CorrelationID: req.CorrelationID,
	})
	switch {
	case err == nil:
	case errors.Is(err, jobregistry.ErrAlreadyActive):
		respondWithError(w, r, apperrors.Conflict(fmt.Sprintf("job %s is already being polled", req.OperationID), nil))
		return
	case errors.Is(err, watcher.ErrClosed), errors.Is(err, jobregistry.ErrRegistryClosed):
		respondWithError(w, r, apperrors.ServiceUnavailable("shutting down", err))
		return
	default:
		h.logger.Error("Job submission failed", zap.String("job_id", req.OperationID), zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:         admitted.OperationID,
		OperationKind: admitted.Kind,
		Path:          admitted.Path,
		CorrelationID: admitted.CorrelationID,
	})
}

// List returns the active jobs. ?kind= filters by operation kind.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.Active()

	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, err := batch.ParseOperationKind(raw)
		if err != nil {
			respondWithError(w, r, apperrors.BadRequest("invalid kind filter", err))
			return
		}
		jobs = lo.Filter(jobs, func(j watcher.JobInfo, _ int) bool { return j.Kind == kind })
	}

	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// Get returns one active job.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := h.svc.Get(jobID)
	if !ok {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %s is not active", jobID)))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel stops polling a job. No event is published for it.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !h.svc.Cancel(jobID) {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("job %s is not active", jobID)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.BadRequest("invalid request", err)
	}

	fields := lo.Associate(verrs, func(fe validator.FieldError) (string, any) {
		if fe.Param() != "" {
			return fe.Field(), fe.Tag() + "=" + fe.Param()
		}
		return fe.Field(), fe.Tag()
	})
	names := lo.Keys(fields)
	sort.Strings(names)
	return apperrors.New(http.StatusBadRequest, apperrors.CodeValidation, "invalid fields: "+strings.Join(names, ", ")).
		WithDetails(map[string]any{"fields": fields})
}
