package jobs

import "time"

// Result is the tagged outcome a handler may return for precise user-facing
// messaging. Handlers that just return an error (or nothing) are handled
// uniformly by the execution wrapper: nil result with nil error is an
// implicit success with no payload.
type Result struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Err       string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Success builds a successful result carrying an opaque data payload.
func Success(data map[string]any) *Result {
	return &Result{Success: true, Data: data, Timestamp: time.Now().UTC()}
}

// Failure builds a failed result with a message intended for end users.
func Failure(msg string) *Result {
	return &Result{Success: false, Err: msg, Timestamp: time.Now().UTC()}
}
