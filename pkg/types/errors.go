package types

import (
	"fmt"
	"sort"
	"sync"
)

// ErrorKind classifies engine failures
type ErrorKind string

const (
	KindInsufficientData ErrorKind = "insufficient_data"
	KindInvalidInput     ErrorKind = "invalid_input"
	KindDegenerateCase   ErrorKind = "degenerate_case"
	KindConfiguration    ErrorKind = "configuration"
)

// EngineError is an error tagged with its kind and the operation that raised it
type EngineError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches any EngineError of the same kind
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Fatal reports whether the error must stop the engine
func (e *EngineError) Fatal() bool {
	return e.Kind == KindConfiguration
}

// Sentinel errors for errors.Is
var (
	ErrInsufficientData = &EngineError{Kind: KindInsufficientData}
	ErrInvalidInput     = &EngineError{Kind: KindInvalidInput}
	ErrDegenerateCase   = &EngineError{Kind: KindDegenerateCase}
	ErrConfiguration    = &EngineError{Kind: KindConfiguration}
)

// NewError creates a tagged engine error
func NewError(kind ErrorKind, op, message string) *EngineError {
	return &EngineError{Kind: kind, Op: op, Message: message}
}

// Errorf creates a tagged engine error with a formatted message
func Errorf(kind ErrorKind, op, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// BatchReport records the outcome of each entry of a batch
type BatchReport struct {
	mu        sync.Mutex
	Succeeded []string          `json:"succeeded"`
	Degraded  []string          `json:"degraded"`
	Skipped   []string          `json:"skipped"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// NewBatchReport creates an empty batch report
func NewBatchReport() *BatchReport {
	return &BatchReport{
		Succeeded: make([]string, 0),
		Degraded:  make([]string, 0),
		Skipped:   make([]string, 0),
		Errors:    make(map[string]string),
	}
}

// Succeed marks an entry as fully successful
func (r *BatchReport) Succeed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Succeeded = append(r.Succeeded, id)
}

// Degrade marks an entry as computed with degraded inputs
func (r *BatchReport) Degrade(id string, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Degraded = append(r.Degraded, id)
	if reason != nil {
		r.Errors[id] = reason.Error()
	}
}

// Skip marks an entry as not computed
func (r *BatchReport) Skip(id string, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped = append(r.Skipped, id)
	if reason != nil {
		r.Errors[id] = reason.Error()
	}
}

// Status returns "succeeded", "degraded", "skipped" or "" for an entry
func (r *BatchReport) Status(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Skipped {
		if s == id {
			return "skipped"
		}
	}
	for _, s := range r.Degraded {
		if s == id {
			return "degraded"
		}
	}
	for _, s := range r.Succeeded {
		if s == id {
			return "succeeded"
		}
	}
	return ""
}

// Normalize sorts the entry lists so reports compare deterministically
func (r *BatchReport) Normalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Succeeded)
	sort.Strings(r.Degraded)
	sort.Strings(r.Skipped)
}
