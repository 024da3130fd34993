// Package probe records one structured event per logical forwarder
// operation. Events are written to an injected slog.Logger and fanned out to
// any registered sinks; nothing in this package affects the caller's control
// flow.
package probe

import (
	"context"
	"log/slog"
)

// Event names.
const (
	PollInboxEvent      = "POLL_MESSAGE"
	CountMessagesEvent  = "COUNT_MESSAGES"
	ForwardMessageEvent = "FORWARD_MESH_MESSAGE"
)

// Error codes recorded in the "error" field.
const (
	ErrorMeshClientNetwork = "MESH_CLIENT_NETWORK_ERROR"
	ErrorUploader          = "UPLOADER_ERROR"
	ErrorMissingHeader     = "MISSING_MESH_HEADER"
	ErrorInvalidHeader     = "INVALID_MESH_HEADER"
	ErrorEmptyMessage      = "SNS_EMPTY_MESSAGE_ERROR"
	ErrorInvalidParameter  = "SNS_INVALID_PARAMETER_ERROR"
	ErrorFatal             = "FATAL"
)

// Record is the finished form of an Event handed to sinks.
type Record struct {
	Name   string
	Level  slog.Level
	Error  string
	Fields map[string]any
}

// Sink consumes finished events.
type Sink interface {
	Observe(rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec Record)

// Observe implements Sink.
func (fn SinkFunc) Observe(rec Record) {
	fn(rec)
}

type Probe struct {
	logger *slog.Logger
	sinks  []Sink
}

// New returns a probe writing to logger. A nil logger discards log output
// but sinks still receive records.
func New(logger *slog.Logger, sinks ...Sink) *Probe {
	return &Probe{logger: logger, sinks: sinks}
}

// StartEvent opens a new event. Callers must call Finish exactly once.
func (p *Probe) StartEvent(name string) *Event {
	return &Event{name: name, probe: p, level: slog.LevelInfo, fields: make(map[string]any)}
}

func (p *Probe) NewPollInboxEvent() *Event {
	return p.StartEvent(PollInboxEvent)
}

func (p *Probe) NewCountMessagesEvent() *Event {
	return p.StartEvent(CountMessagesEvent)
}

func (p *Probe) NewForwardMessageEvent() *Event {
	return p.StartEvent(ForwardMessageEvent)
}

func (p *Probe) emit(rec Record, attrs []slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), rec.Level, "Observed "+rec.Name, attrs...)
	}
	for _, sink := range p.sinks {
		p.observe(sink, rec)
	}
}

func (p *Probe) observe(sink Sink, rec Record) {
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Error("probe sink panic", "event", rec.Name, "panic", r)
		}
	}()
	sink.Observe(rec)
}
