package types

import (
	"net/http"
	"net/url"
	"time"
)

// Record is one extracted item: field name to value. The shape is open; only
// the configured required fields are enforced.
type Record map[string]any

// String returns the field value when it is a non-empty string.
func (r Record) String(field string) string {
	if r == nil {
		return ""
	}
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// Class is the classification of a single request attempt.
type Class string

const (
	ClassSuccess      Class = "SUCCESS"
	ClassNotFound     Class = "NOT_FOUND"
	ClassBlocked      Class = "BLOCKED"
	ClassTimeout      Class = "TIMEOUT"
	ClassParseFailure Class = "PARSE_FAILURE"
	ClassOtherError   Class = "OTHER_ERROR"
)

// ErrorName is the name written to failure entries.
func (c Class) ErrorName() string {
	switch c {
	case ClassNotFound:
		return "NotFound"
	case ClassBlocked:
		return "Blocked"
	case ClassTimeout:
		return "Timeout"
	case ClassParseFailure:
		return "ParseFailure"
	case ClassOtherError:
		return "OtherError"
	case ClassSuccess:
		return "Success"
	}
	return string(c)
}

// Failure reports whether the class counts toward ban detection.
func (c Class) Failure() bool {
	switch c {
	case ClassBlocked, ClassTimeout, ClassParseFailure, ClassOtherError:
		return true
	}
	return false
}

// State is the terminal state of one identifier's pipeline run.
type State string

const (
	StateDone    State = "DONE"
	StateSkipped State = "SKIPPED"
	StateFailed  State = "FAILED"
	// StateAbandoned marks an item interrupted by cancellation. It is not
	// terminal: nothing was committed, so the next run retries it.
	StateAbandoned State = "ABANDONED"
)

// Outcome aggregates the result of processing one identifier.
type Outcome struct {
	ID       string
	State    State
	Class    Class
	Attempts int
	// Blocked counts attempts classified BLOCKED.
	Blocked int
	Record  Record
	Err     error
	Elapsed time.Duration
}

// Page represents the fetched content of one attempt.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
	Identity        string
	SessionID       string
}

// CheckpointEntry is the persisted form of one completed identifier.
type CheckpointEntry struct {
	ID          string    `json:"id"`
	Record      Record    `json:"record"`
	CompletedAt time.Time `json:"completed_at"`
}

// FailureEntry is the persisted form of an identifier that ended FAILED.
type FailureEntry struct {
	Identifier string    `json:"identifier"`
	ErrorClass string    `json:"errorClass"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Attempts   int       `json:"attempts,omitempty"`
}
