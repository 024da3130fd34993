package stats

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/mesh-forwarder/probe"
)

type Summary struct {
	Polls           int
	Listed          int
	Forwarded       int
	Skipped         int
	Dropped         int
	Aborted         int
	RetryableFaults int
	Counts          int
	LastInboxCount  int
	LastError       string
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"polls", s.Polls,
		"listed", s.Listed,
		"forwarded", s.Forwarded,
		"skipped", s.Skipped,
		"dropped", s.Dropped,
		"aborted", s.Aborted,
		"retryableFaults", s.RetryableFaults,
		"counts", s.Counts,
		"lastInboxCount", s.LastInboxCount,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

// Collector aggregates probe records. It implements probe.Sink.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Observe implements probe.Sink.
func (c *Collector) Observe(rec probe.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.Error == probe.ErrorMeshClientNetwork {
		c.summary.RetryableFaults++
	}
	if rec.Error != "" {
		c.summary.LastError = rec.Error
	}

	switch rec.Name {
	case probe.PollInboxEvent:
		c.summary.Polls++
		if n, ok := rec.Fields["batchMessageCount"].(int); ok {
			c.summary.Listed += n
		}
	case probe.CountMessagesEvent:
		c.summary.Counts++
		if n, ok := rec.Fields["inboxMessageCount"].(int); ok {
			c.summary.LastInboxCount = n
		}
	case probe.ForwardMessageEvent:
		switch rec.Error {
		case "":
			c.summary.Forwarded++
		case probe.ErrorEmptyMessage, probe.ErrorInvalidParameter:
			c.summary.Dropped++
		case probe.ErrorFatal:
			c.summary.Aborted++
		case probe.ErrorMeshClientNetwork:
		default:
			c.summary.Skipped++
		}
	}
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(collector *Collector, logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: collector,
		logger:    logger,
		started:   time.Now(),
	}
}

// Report logs the current summary with the elapsed run time.
func (r *Reporter) Report() {
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
