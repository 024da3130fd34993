package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Header names as exposed by every mailbox client: the Mex- prefix is
// stripped and the remainder lowercased.
const (
	HeaderFileName        = "filename"
	HeaderStatusTimestamp = "statustimestamp"
	HeaderFrom            = "from"
	HeaderTo              = "to"
	HeaderStatusEvent     = "statusevent"
	HeaderStatusSuccess   = "statussuccess"
	HeaderMessageType     = "messagetype"
	HeaderMessageID       = "messageid"
)

// Expected values of the validation headers.
const (
	StatusEventTransfer = "TRANSFER"
	StatusSuccess       = "SUCCESS"
	MessageTypeData     = "DATA"
)

// DeliveredLayout is the format of the statustimestamp header.
const DeliveredLayout = "20060102150405"

const mexPrefix = "mex-"

var errAlreadyClosed = errors.New("message body already closed")

// Client is the mailbox transport the forwarder pulls messages from.
// Every method may fail with a *NetworkError.
type Client interface {
	ListMessageIDs(ctx context.Context) ([]string, error)
	RetrieveMessage(ctx context.Context, id string) (*Message, error)
	CountMessages(ctx context.Context) (int, error)
}

// AckFunc acknowledges a single message with the mailbox.
type AckFunc func(ctx context.Context) error

// Message wraps one mailbox item. The body is a stream and can be read
// meaningfully only once.
type Message struct {
	ID string

	headers map[string]string
	body    io.ReadCloser
	ack     AckFunc
	closed  bool
}

// NewMessage builds a message from a header snapshot. Header keys are
// normalised with MexHeaderName when they carry the Mex- prefix; a Mex
// header shadows a plain header of the same name (Mex-From over From).
func NewMessage(id string, headers map[string]string, body io.ReadCloser, ack AckFunc) *Message {
	normalized := make(map[string]string, len(headers))
	for key, value := range headers {
		if _, ok := MexHeaderName(key); !ok {
			normalized[strings.ToLower(key)] = value
		}
	}
	for key, value := range headers {
		if name, ok := MexHeaderName(key); ok {
			normalized[name] = value
		}
	}
	if body == nil {
		body = io.NopCloser(strings.NewReader(""))
	}
	return &Message{ID: id, headers: normalized, body: body, ack: ack}
}

// MexHeaderName converts a transport header such as "Mex-FileName" into the
// name used by Message ("filename"). ok is false for non-Mex headers.
func MexHeaderName(key string) (name string, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(key))
	if !strings.HasPrefix(lower, mexPrefix) || len(lower) == len(mexPrefix) {
		return "", false
	}
	return lower[len(mexPrefix):], true
}

// Header returns the named header or a *MissingHeaderError.
func (m *Message) Header(name string) (string, error) {
	value, ok := m.headers[strings.ToLower(name)]
	if !ok {
		return "", &MissingHeaderError{Header: name}
	}
	return value, nil
}

// Headers returns a copy of the raw header map.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

func (m *Message) FileName() (string, error) {
	return m.Header(HeaderFileName)
}

func (m *Message) Sender() (string, error) {
	return m.Header(HeaderFrom)
}

func (m *Message) Recipient() (string, error) {
	return m.Header(HeaderTo)
}

// DeliveredAt parses the statustimestamp header. A malformed value is
// reported as a plain parse error, not a header error.
func (m *Message) DeliveredAt() (time.Time, error) {
	value, err := m.Header(HeaderStatusTimestamp)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(DeliveredLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", HeaderStatusTimestamp, value, err)
	}
	return t, nil
}

// Validate checks statusevent, statussuccess and messagetype in that order
// and stops at the first missing or mismatching header.
func (m *Message) Validate() error {
	checks := []struct {
		header   string
		expected string
	}{
		{HeaderStatusEvent, StatusEventTransfer},
		{HeaderStatusSuccess, StatusSuccess},
		{HeaderMessageType, MessageTypeData},
	}
	for _, check := range checks {
		value, err := m.Header(check.header)
		if err != nil {
			return err
		}
		if !strings.EqualFold(value, check.expected) {
			return &InvalidHeaderError{Header: check.header, Expected: check.expected, Actual: value}
		}
	}
	return nil
}

// Read implements io.Reader over the message body.
func (m *Message) Read(p []byte) (int, error) {
	if m.closed {
		return 0, errAlreadyClosed
	}
	return m.body.Read(p)
}

// Close releases the body. It is safe to call more than once.
func (m *Message) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.body.Close()
}

// Acknowledge tells the mailbox the message has been handled.
func (m *Message) Acknowledge(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}
