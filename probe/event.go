package probe

import (
	"log/slog"
	"sort"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

// Event accumulates fields for one observed operation.
type Event struct {
	name     string
	probe    *Probe
	level    slog.Level
	errCode  string
	fields   map[string]any
	finished bool
}

func (e *Event) Name() string {
	return e.name
}

// AddField sets key to value, replacing any earlier value.
func (e *Event) AddField(key string, value any) {
	e.fields[key] = value
}

func (e *Event) setError(code string, extra ...any) {
	e.errCode = code
	e.fields["error"] = code
	for i := 0; i+1 < len(extra); i += 2 {
		if key, ok := extra[i].(string); ok {
			e.fields[key] = extra[i+1]
		}
	}
}

func (e *Event) RecordMessageBatchCount(count int) {
	e.AddField("batchMessageCount", count)
}

func (e *Event) RecordMessageCount(count int) {
	e.AddField("inboxMessageCount", count)
}

func (e *Event) RecordMessageID(id string) {
	e.AddField("messageId", id)
}

// RecordMessageMetadata stores the identifying fields of a forwarded message.
func (e *Event) RecordMessageMetadata(id, sender, recipient, fileName string) {
	e.AddField("messageId", id)
	e.AddField("sender", sender)
	e.AddField("recipient", recipient)
	e.AddField("fileName", fileName)
}

func (e *Event) RecordNetworkError(err error) {
	e.setError(ErrorMeshClientNetwork, "errorMessage", err.Error())
}

func (e *Event) RecordUploaderError(err error) {
	e.setError(ErrorUploader, "errorMessage", err.Error())
}

func (e *Event) RecordMissingHeader(err *mailbox.MissingHeaderError) {
	e.setError(ErrorMissingHeader, "missingHeaderName", err.Header)
}

func (e *Event) RecordInvalidHeader(err *mailbox.InvalidHeaderError) {
	e.setError(ErrorInvalidHeader,
		"headerName", err.Header,
		"expectedHeaderValue", err.Expected,
		"receivedHeaderValue", err.Actual,
	)
}

func (e *Event) RecordS3Key(key string) {
	e.AddField("s3Key", key)
}

func (e *Event) RecordSNSMessageID(id string) {
	e.AddField("snsMessageId", id)
}

func (e *Event) RecordKafkaTopic(topic string) {
	e.AddField("kafkaTopic", topic)
}

// RecordFatalError marks a message whose failure aborted the pass.
func (e *Event) RecordFatalError(err error) {
	e.setError(ErrorFatal, "errorMessage", err.Error())
	e.level = slog.LevelError
}

// RecordEmptyMessage marks a message whose body was empty and therefore not published.
func (e *Event) RecordEmptyMessage(headers map[string]string) {
	e.setError(ErrorEmptyMessage, "messageHeaders", headers)
	e.level = slog.LevelError
}

// RecordInvalidParameter marks a payload the sink rejected as structurally invalid.
func (e *Event) RecordInvalidParameter(message string) {
	e.setError(ErrorInvalidParameter, "errorMessage", message)
	e.level = slog.LevelError
}

// Finish emits the event. Calls after the first are ignored.
func (e *Event) Finish() {
	if e.finished {
		return
	}
	e.finished = true

	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("event", e.name))
	fields := make(map[string]any, len(e.fields))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.fields[k]))
		fields[k] = e.fields[k]
	}

	e.probe.emit(Record{Name: e.name, Level: e.level, Error: e.errCode, Fields: fields}, attrs)
}
