package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/3leaps/batchwatch/pkg/events"
)

// Writer outputs JSONL records for watched jobs.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteJob emits a job admission record.
	WriteJob(ctx context.Context, jobID string, job *JobRecord) error

	// WriteEvent emits a job event record.
	WriteEvent(ctx context.Context, ev events.Event) error

	// WriteError emits an error record. jobID may be empty.
	WriteError(ctx context.Context, jobID string, err *ErrorRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w        io.Writer
	provider string
	mu       sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - provider: Storage provider identifier (e.g., "dropbox")
func NewJSONLWriter(w io.Writer, provider string) *JSONLWriter {
	return &JSONLWriter{
		w:        w,
		provider: provider,
	}
}

// WriteJob emits a job admission record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, jobID string, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, jobID, job)
}

// WriteEvent emits a job event record.
func (jw *JSONLWriter) WriteEvent(ctx context.Context, ev events.Event) error {
	return jw.writeRecord(ctx, TypeEvent, ev.JobID, ev)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, jobID string, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, jobID, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, "", sum)
}

// EventHandler returns a bus handler that writes every event it receives.
// Write failures are passed to onErr when it is non-nil.
func (jw *JSONLWriter) EventHandler(onErr func(error)) events.Handler {
	return func(ctx context.Context, ev events.Event) {
		if err := jw.WriteEvent(ctx, ev); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire operation to ensure
// atomic line writes.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:     recordType,
		TS:       time.Now().UTC(),
		JobID:    jobID,
		Provider: jw.provider,
		Data:     dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
