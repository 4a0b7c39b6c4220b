package protocol

import (
	"encoding/json"
	"fmt"
)

// Result is a transcription result returned by the server
type Result struct {
	TaskID       string    `json:"task_id"`
	Duration     float64   `json:"duration"`
	TimeStart    float64   `json:"time_start"`
	TimeSubmit   float64   `json:"time_submit"`
	TimeComplete float64   `json:"time_complete"`
	Tokens       []string  `json:"tokens"`
	Timestamps   []float64 `json:"timestamps"`
	Text         string    `json:"text"`
	IsFinal      bool      `json:"is_final"`
}

// Latency returns the seconds between submission and completion on the server
func (r *Result) Latency() float64 {
	if r.TimeComplete < r.TimeSubmit {
		return 0
	}
	return r.TimeComplete - r.TimeSubmit
}

// String returns a compact description of the result
func (r *Result) String() string {
	return fmt.Sprintf("Result{TaskID: %s, Final: %t, Duration: %.2fs, Text: %q}",
		r.TaskID, r.IsFinal, r.Duration, r.Text)
}

// ProtocolError reports an inbound frame that could not be parsed.
// Capture is unaffected; the frame is dropped.
type ProtocolError struct {
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed result: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// maxPayloadEcho bounds how much of a bad payload is kept for logging
const maxPayloadEcho = 256

// ParseResult decodes a JSON result frame
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, newProtocolError(data, err)
	}
	if err := ValidateResult(&r); err != nil {
		return nil, newProtocolError(data, err)
	}
	return &r, nil
}

// ValidateResult checks the fields needed to correlate a result with its task
func ValidateResult(r *Result) error {
	if r.TaskID == "" {
		return fmt.Errorf("missing task_id")
	}
	if len(r.Timestamps) > 0 && len(r.Timestamps) != len(r.Tokens) {
		return fmt.Errorf("timestamps length %d does not match tokens length %d", len(r.Timestamps), len(r.Tokens))
	}
	return nil
}

func newProtocolError(data []byte, err error) *ProtocolError {
	payload := string(data)
	if len(payload) > maxPayloadEcho {
		payload = payload[:maxPayloadEcho] + "..."
	}
	return &ProtocolError{Payload: payload, Err: err}
}
