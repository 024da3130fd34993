package stats

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mesh-forwarder/probe"
)

func TestCollectorCountsOutcomes(t *testing.T) {
	c := NewCollector()
	records := []probe.Record{
		{Name: probe.PollInboxEvent, Fields: map[string]any{"batchMessageCount": 4}},
		{Name: probe.ForwardMessageEvent},
		{Name: probe.ForwardMessageEvent, Error: probe.ErrorMissingHeader},
		{Name: probe.ForwardMessageEvent, Error: probe.ErrorUploader},
		{Name: probe.ForwardMessageEvent, Error: probe.ErrorEmptyMessage},
		{Name: probe.ForwardMessageEvent, Error: probe.ErrorMeshClientNetwork},
		{Name: probe.ForwardMessageEvent, Error: probe.ErrorFatal},
		{Name: probe.CountMessagesEvent, Fields: map[string]any{"inboxMessageCount": 7}},
	}
	for _, rec := range records {
		c.Observe(rec)
	}

	got := c.Snapshot()
	assert.Equal(t, Summary{
		Polls:           1,
		Listed:          4,
		Forwarded:       1,
		Skipped:         2,
		Dropped:         1,
		Aborted:         1,
		RetryableFaults: 1,
		Counts:          1,
		LastInboxCount:  7,
		LastError:       probe.ErrorFatal,
	}, got)
}

func TestCollectorAsProbeSink(t *testing.T) {
	c := NewCollector()
	p := probe.New(nil, c)

	evt := p.NewForwardMessageEvent()
	evt.RecordMessageID("id")
	evt.Finish()

	assert.Equal(t, 1, c.Snapshot().Forwarded)
}

func TestReporterLogsSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := NewCollector()
	c.Observe(probe.Record{Name: probe.ForwardMessageEvent})

	r := NewReporter(c, logger)
	r.Report()

	out := buf.String()
	assert.Contains(t, out, "stats summary")
	assert.Contains(t, out, "forwarded=1")
	assert.Equal(t, 1, r.Summary().Forwarded)
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}
	assert.Equal(t, []Pair{{"c", 5}, {"a", 2}, {"b", 2}}, Top(m, 3))
	assert.Len(t, Top(m, 10), 4)

	var buf bytes.Buffer
	PrettyPrintTop(&buf, m, 2)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1. c (5)", lines[0])
	assert.Equal(t, "2. a (2)", lines[1])
}
