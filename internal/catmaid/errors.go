package catmaid

import "fmt"

// APIError is a failure reported by the CATMAID server, either as a non-2xx
// status or as a JSON object carrying an "error" field.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("catmaid: %s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("catmaid: status %d: %s", e.StatusCode, e.Message)
}

// DecodeError reports a response record that does not match its schema.
type DecodeError struct {
	Record string // e.g. "detection row", "connector"
	Index  int
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("catmaid: decoding %s %d: field %s", e.Record, e.Index, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
