// Package errors defines the JSON error envelope returned by the HTTP API.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the "error" member of an error response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the body of every non-2xx API response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPError is an error that knows its HTTP status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// New returns an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

// Wrap returns an HTTPError carrying err.
func Wrap(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message, Err: err}
}

// WithDetails attaches details to the response.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

func BadRequest(message string, err error) *HTTPError {
	return Wrap(http.StatusBadRequest, CodeBadRequest, message, err)
}

func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func Conflict(message string, err error) *HTTPError {
	return Wrap(http.StatusConflict, CodeConflict, message, err)
}

func ServiceUnavailable(message string, err error) *HTTPError {
	return Wrap(http.StatusServiceUnavailable, CodeServiceUnavailable, message, err)
}

type requestIDKey struct{}

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError writes err as a JSON error envelope. Errors that are not
// *HTTPError become 500 INTERNAL_ERROR without exposing their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *HTTPError
	if !stderrors.As(err, &httpErr) {
		httpErr = New(http.StatusInternalServerError, CodeInternal, "internal server error")
	}

	message := httpErr.Message
	if httpErr.Err != nil && httpErr.Status < http.StatusInternalServerError {
		message = httpErr.Error()
	}

	WriteError(w, r, httpErr.Status, ErrorBody{
		Code:    httpErr.Code,
		Message: message,
		Details: httpErr.Details,
	})
}

// WriteError writes body with status. The request id is filled in from r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, body ErrorBody) {
	if r != nil && body.RequestID == "" {
		body.RequestID = RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
