package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLRecorder appends execution records to a JSON-lines file, one object
// per line. Safe for concurrent use.
type JSONLRecorder struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	closed bool
}

// NewJSONLRecorder opens (or creates) the audit file at path, creating
// parent directories as needed. Records are always appended — an existing
// log is never truncated.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: recorder path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create log dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log %s: %w", path, err)
	}

	return &JSONLRecorder{f: f, enc: json.NewEncoder(f)}, nil
}

// Record appends one execution as a JSON line.
func (r *JSONLRecorder) Record(_ context.Context, e Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("audit: recorder already closed")
	}
	if err := r.enc.Encode(e); err != nil {
		return fmt.Errorf("audit: write record %s: %w", e.ID, err)
	}
	return nil
}

// Close flushes and closes the underlying file. Idempotent.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// Path returns the path to the audit file.
func (r *JSONLRecorder) Path() string {
	return r.f.Name()
}
