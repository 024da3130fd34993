package forwarder

import (
	"errors"

	"github.com/dhcgn/mesh-forwarder/mailbox"
	"github.com/dhcgn/mesh-forwarder/uploader"
)

// RetryableError signals that the mailbox state could not be determined
// because of a transport fault. The caller should back off and retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable mailbox fault: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a *RetryableError.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

type faultKind int

const (
	faultNone faultKind = iota
	faultMissingHeader
	faultInvalidHeader
	faultUploader
	faultNetwork
	faultFatal
)

func (k faultKind) String() string {
	switch k {
	case faultNone:
		return "none"
	case faultMissingHeader:
		return "missing_header"
	case faultInvalidHeader:
		return "invalid_header"
	case faultUploader:
		return "uploader"
	case faultNetwork:
		return "network"
	default:
		return "fatal"
	}
}

// classify maps a per-message error onto the closed set of fault kinds.
// Anything unrecognised is fatal.
func classify(err error) faultKind {
	if err == nil {
		return faultNone
	}
	var (
		missing *mailbox.MissingHeaderError
		invalid *mailbox.InvalidHeaderError
		netErr  *mailbox.NetworkError
		upErr   *uploader.Error
	)
	switch {
	case errors.As(err, &missing):
		return faultMissingHeader
	case errors.As(err, &invalid):
		return faultInvalidHeader
	case errors.As(err, &netErr):
		return faultNetwork
	case errors.As(err, &upErr):
		return faultUploader
	default:
		return faultFatal
	}
}
