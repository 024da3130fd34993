package mailbox

import "fmt"

// NetworkError reports a transport-level failure talking to the mailbox.
// It is the only error kind the forwarder treats as retryable.
type NetworkError struct {
	Message string
	Err     error
}

// NewNetworkError wraps err with a human-readable cause.
func NewNetworkError(err error, format string, args ...any) *NetworkError {
	return &NetworkError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *NetworkError) Error() string {
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// MissingHeaderError is returned when a message lacks a required header.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing mesh header %q", e.Header)
}

// InvalidHeaderError is returned when a validation header holds an unexpected value.
type InvalidHeaderError struct {
	Header   string
	Expected string
	Actual   string
}

func (e *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid mesh header %q: expected %q, got %q", e.Header, e.Expected, e.Actual)
}
