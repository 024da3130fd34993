// Package forwarder runs one polling pass over the mailbox: list message
// ids, retrieve each message, validate it, upload it and acknowledge it.
//
// Per-message failures are isolated. Missing or invalid headers and sink
// faults skip the message (it stays in the mailbox); mailbox transport
// faults are collected and the first one is returned as a *RetryableError
// after every id has been attempted. Any other error aborts the pass.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mesh-forwarder/mailbox"
	"github.com/dhcgn/mesh-forwarder/probe"
	"github.com/dhcgn/mesh-forwarder/uploader"
)

var (
	ErrNilMailbox  = errors.New("forwarder: nil mailbox client")
	ErrNilUploader = errors.New("forwarder: nil uploader")
	ErrNilProbe    = errors.New("forwarder: nil probe")
)

type Options struct {
	// DisableHeaderValidation forwards messages without checking statusevent,
	// statussuccess and messagetype.
	DisableHeaderValidation bool
	Logger                  *slog.Logger
}

type Forwarder struct {
	inbox             mailbox.Client
	uploader          uploader.Uploader
	probe             *probe.Probe
	disableValidation bool
	logger            *slog.Logger
}

type outcome int

const (
	outcomeForwarded outcome = iota
	outcomeSkipped
	outcomeRetryable
)

func (o outcome) String() string {
	switch o {
	case outcomeForwarded:
		return "forwarded"
	case outcomeSkipped:
		return "skipped"
	default:
		return "retryable"
	}
}

type result struct {
	outcome outcome
	fault   error
}

func New(inbox mailbox.Client, up uploader.Uploader, p *probe.Probe, opts Options) (*Forwarder, error) {
	if inbox == nil {
		return nil, ErrNilMailbox
	}
	if up == nil {
		return nil, ErrNilUploader
	}
	if p == nil {
		return nil, ErrNilProbe
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{
		inbox:             inbox,
		uploader:          up,
		probe:             p,
		disableValidation: opts.DisableHeaderValidation,
		logger:            logger,
	}, nil
}

// ForwardMessages processes every message currently listed by the mailbox.
func (f *Forwarder) ForwardMessages(ctx context.Context) error {
	ids, err := f.pollMessages(ctx)
	if err != nil {
		return err
	}

	var faults []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := f.processMessage(ctx, id)
		if err != nil {
			return err
		}
		if res.outcome == outcomeRetryable {
			faults = append(faults, res.fault)
		}
	}

	if len(faults) > 0 {
		f.logger.Warn("collected retryable faults during forward pass", "count", len(faults))
		return &RetryableError{Err: faults[0]}
	}
	return nil
}

// IsMailboxEmpty reports whether the mailbox count is zero or below. A
// transport fault is returned as *RetryableError, never as a default value.
func (f *Forwarder) IsMailboxEmpty(ctx context.Context) (bool, error) {
	event := f.probe.NewCountMessagesEvent()
	defer event.Finish()

	count, err := f.inbox.CountMessages(ctx)
	if err != nil {
		return false, f.transportFault(event, "count messages", err)
	}
	event.RecordMessageCount(count)
	return count <= 0, nil
}

func (f *Forwarder) pollMessages(ctx context.Context) ([]string, error) {
	event := f.probe.NewPollInboxEvent()
	defer event.Finish()

	ids, err := f.inbox.ListMessageIDs(ctx)
	if err != nil {
		return nil, f.transportFault(event, "list message ids", err)
	}
	event.RecordMessageBatchCount(len(ids))
	return ids, nil
}

func (f *Forwarder) transportFault(event *probe.Event, op string, err error) error {
	var netErr *mailbox.NetworkError
	if errors.As(err, &netErr) {
		event.RecordNetworkError(netErr)
		return &RetryableError{Err: netErr}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (f *Forwarder) processMessage(ctx context.Context, id string) (result, error) {
	event := f.probe.NewForwardMessageEvent()
	defer event.Finish()
	event.RecordMessageID(id)

	res, err := f.dispatch(event, f.forward(ctx, id, event))
	if err != nil {
		return res, fmt.Errorf("forward message %s: %w", id, err)
	}
	f.logger.Debug("message processed", "messageId", id, "outcome", res.outcome.String())
	return res, nil
}

func (f *Forwarder) forward(ctx context.Context, id string, event *probe.Event) error {
	msg, err := f.inbox.RetrieveMessage(ctx, id)
	if err != nil {
		return err
	}
	defer msg.Close()

	if err := recordMetadata(event, msg); err != nil {
		return err
	}
	if !f.disableValidation {
		if err := msg.Validate(); err != nil {
			return err
		}
	}
	if err := f.uploader.Upload(ctx, msg, event); err != nil {
		return err
	}
	return msg.Acknowledge(ctx)
}

func (f *Forwarder) dispatch(event *probe.Event, err error) (result, error) {
	switch kind := classify(err); kind {
	case faultNone:
		return result{outcome: outcomeForwarded}, nil
	case faultMissingHeader:
		var missing *mailbox.MissingHeaderError
		errors.As(err, &missing)
		event.RecordMissingHeader(missing)
		return result{outcome: outcomeSkipped}, nil
	case faultInvalidHeader:
		var invalid *mailbox.InvalidHeaderError
		errors.As(err, &invalid)
		event.RecordInvalidHeader(invalid)
		return result{outcome: outcomeSkipped}, nil
	case faultUploader:
		event.RecordUploaderError(err)
		return result{outcome: outcomeSkipped}, nil
	case faultNetwork:
		var netErr *mailbox.NetworkError
		errors.As(err, &netErr)
		event.RecordNetworkError(netErr)
		return result{outcome: outcomeRetryable, fault: netErr}, nil
	case faultFatal:
		event.RecordFatalError(err)
		return result{}, err
	default:
		return result{}, fmt.Errorf("unhandled fault kind %s: %w", kind, err)
	}
}

func recordMetadata(event *probe.Event, msg *mailbox.Message) error {
	sender, err := msg.Sender()
	if err != nil {
		return err
	}
	recipient, err := msg.Recipient()
	if err != nil {
		return err
	}
	fileName, err := msg.FileName()
	if err != nil {
		return err
	}
	event.RecordMessageMetadata(msg.ID, sender, recipient, fileName)
	return nil
}
