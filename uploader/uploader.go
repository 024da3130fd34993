// Package uploader sends one mailbox message to a configured destination.
//
// Every destination implements Uploader. Sink faults surface as *Error, which
// the forwarder treats as a permanent per-message skip; soft failures such as
// empty or oversized payloads are recorded on the event and not returned.
package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

// messageIDAttribute carries the mailbox message id on topic sinks.
const messageIDAttribute = "messageid"

// EventRecorder receives sink-specific annotations for one forwarded message.
type EventRecorder interface {
	RecordS3Key(key string)
	RecordSNSMessageID(id string)
	RecordKafkaTopic(topic string)
	RecordEmptyMessage(headers map[string]string)
	RecordInvalidParameter(message string)
}

// Uploader sends a message body to a destination.
type Uploader interface {
	Upload(ctx context.Context, msg *mailbox.Message, event EventRecorder) error
}

// Error reports a sink fault. Message is the original sink error text.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// sinkError wraps err as *Error unless it is a mailbox network fault raised
// while streaming the body, which must stay retryable.
func sinkError(err error) error {
	var netErr *mailbox.NetworkError
	if errors.As(err, &netErr) {
		return netErr
	}
	return &Error{Message: err.Error(), Err: err}
}

func readError(err error) error {
	var netErr *mailbox.NetworkError
	if errors.As(err, &netErr) {
		return netErr
	}
	return &Error{Message: fmt.Sprintf("read message body: %v", err), Err: err}
}
