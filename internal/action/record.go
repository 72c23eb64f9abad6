package action

import (
	"encoding/json"
	"time"

	"github.com/kuitang/connect-e2e/internal/logutil"
)

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFailure Outcome = "failure"
)

// maxRecordErrorChars bounds the error text kept in an attempt record.
const maxRecordErrorChars = 2000

// Attempt records one execution of an action.
type Attempt struct {
	Action    string
	Number    int
	Outcome   Outcome
	Timestamp time.Time
	Elapsed   time.Duration
	Err       error
}

type attemptJSON struct {
	Timestamp string  `json:"timestamp"`
	Action    string  `json:"action"`
	Attempt   int     `json:"attempt"`
	Status    Outcome `json:"status"`
	Error     string  `json:"error,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms"`
}

func (a Attempt) MarshalJSON() ([]byte, error) {
	out := attemptJSON{
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:    a.Action,
		Attempt:   a.Number,
		Status:    a.Outcome,
		ElapsedMS: a.Elapsed.Milliseconds(),
	}
	if a.Err != nil {
		out.Error = logutil.Line(a.Err.Error(), maxRecordErrorChars)
	}
	return json.Marshal(out)
}

// Evidence is captured once, when an action exhausts its attempts. Screenshot
// and HTML are empty when their capture failed or no page was available.
type Evidence struct {
	Action     string
	URL        string
	Screenshot []byte
	HTML       string
	Err        error
}
