// Package providertest provides an in-process fake of the provider batch-check
// API for tests.
//
// The fake serves the three batch-check endpoints and replays a scripted
// sequence of responses per (kind, async job id). The last scripted response
// repeats once the script is exhausted.
//
// Usage:
//
//	func TestPoll(t *testing.T) {
//	    srv := providertest.New(t)
//	    srv.Script(batch.KindCopy, "dbjid:1", providertest.InProgress(), providertest.Complete(entries...))
//	    cfg := dropbox.Config{BaseURL: srv.URL, ClientID: providertest.ClientID}
//	    // ... test code ...
//	}
package providertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/3leaps/batchwatch/pkg/batch"
)

const (
	// ClientID is a placeholder app key for test configs.
	ClientID = "test-client"

	// Token is a placeholder access token for test handles.
	Token = "test-token"
)

var paths = map[string]batch.OperationKind{
	"/2/files/copy_batch/check_v2": batch.KindCopy,
	"/2/files/move_batch/check_v2": batch.KindMove,
	"/2/files/delete_batch/check":  batch.KindDelete,
}

// Response is one scripted reply.
type Response struct {
	Status int
	Body   string
}

// InProgress replies with an in_progress status.
func InProgress() Response {
	return JSON(http.StatusOK, batch.RawJobStatus{Tag: batch.StatusInProgress})
}

// Complete replies with a complete status carrying entries.
func Complete(entries ...batch.RawEntry) Response {
	return JSON(http.StatusOK, batch.RawJobStatus{Tag: batch.StatusComplete, Entries: entries})
}

// FailedJob replies with a whole-job failed status.
func FailedJob() Response {
	return Raw(http.StatusOK, `{".tag":"failed","failed":{".tag":"too_many_write_operations"}}`)
}

// APIError replies with a 409 endpoint error carrying tag.
func APIError(tag string) Response {
	return Raw(http.StatusConflict, fmt.Sprintf(`{"error_summary":"%s/..","error":{".tag":"%s"}}`, tag, tag))
}

// JSON replies with v encoded as JSON.
func JSON(status int, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("providertest: marshal response: %v", err))
	}
	return Response{Status: status, Body: string(b)}
}

// Raw replies with body verbatim.
func Raw(status int, body string) Response {
	return Response{Status: status, Body: body}
}

// Call records one request received by the fake.
type Call struct {
	Kind          batch.OperationKind
	JobID         string
	Authorization string
	UserAgent     string
}

// Server is a scripted fake provider.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	scripts map[string][]Response
	calls   []Call
	block   map[string]chan struct{}
}

// New starts a fake provider and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		scripts: make(map[string][]Response),
		block:   make(map[string]chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func scriptKey(kind batch.OperationKind, jobID string) string {
	return kind.String() + "/" + jobID
}

// Script queues responses for jobID polled as kind.
func (s *Server) Script(kind batch.OperationKind, jobID string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scriptKey(kind, jobID)
	s.scripts[key] = append(s.scripts[key], responses...)
}

// Hold makes requests for jobID block until the returned release func is
// called. Release is safe to call more than once.
func (s *Server) Hold(kind batch.OperationKind, jobID string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block[scriptKey(kind, jobID)] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			s.mu.Lock()
			delete(s.block, scriptKey(kind, jobID))
			s.mu.Unlock()
		})
	}
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times jobID was polled as kind.
func (s *Server) CallCount(kind batch.OperationKind, jobID string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Kind == kind && c.JobID == jobID {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	kind, ok := paths[r.URL.Path]
	if !ok || r.Method != http.MethodPost {
		http.Error(w, "unknown endpoint", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var arg struct {
		AsyncJobID string `json:"async_job_id"`
	}
	if err := json.Unmarshal(body, &arg); err != nil || arg.AsyncJobID == "" {
		http.Error(w, "Error in call: missing async_job_id", http.StatusBadRequest)
		return
	}

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error_summary":"missing_token/.."}`))
		return
	}

	key := scriptKey(kind, arg.AsyncJobID)

	s.mu.Lock()
	s.calls = append(s.calls, Call{
		Kind:          kind,
		JobID:         arg.AsyncJobID,
		Authorization: r.Header.Get("Authorization"),
		UserAgent:     r.Header.Get("User-Agent"),
	})
	hold := s.block[key]
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	script := s.scripts[key]
	var resp Response
	switch len(script) {
	case 0:
		resp = APIError("invalid_async_job_id")
	case 1:
		resp = script[0]
	default:
		resp = script[0]
		s.scripts[key] = script[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}
