// Package mbox serves a local mbox archive as a mailbox. Each message is
// identified by the hash of its raw bytes; acknowledgments are kept by a
// state.Tracker because the archive itself is never modified.
package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mesh-forwarder/filter"
	"github.com/dhcgn/mesh-forwarder/mailbox"
	"github.com/dhcgn/mesh-forwarder/state"
)

var ErrNilTracker = errors.New("mbox tracker is nil")

type Options struct {
	Path   string
	Filter *filter.Filter
}

type entry struct {
	id      string
	headers map[string]string
	body    []byte
}

type Client struct {
	path    string
	filter  *filter.Filter
	tracker state.Tracker
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]entry
}

func NewClient(opts Options, tracker state.Tracker, logger *slog.Logger) (*Client, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if tracker == nil {
		return nil, ErrNilTracker
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		path:    path,
		filter:  opts.Filter,
		tracker: tracker,
		logger:  logger,
		cache:   make(map[string]entry),
	}, nil
}

// ListMessageIDs scans the archive and returns the ids of messages that pass
// the filter and are not yet acknowledged, in archive order.
func (c *Client) ListMessageIDs(ctx context.Context) ([]string, error) {
	entries, err := c.pending(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache = make(map[string]entry, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		c.cache[e.id] = e
		ids = append(ids, e.id)
	}
	c.mu.Unlock()
	return ids, nil
}

func (c *Client) CountMessages(ctx context.Context) (int, error) {
	entries, err := c.pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RetrieveMessage serves from the entries of the last listing and rescans
// the archive when id is unknown.
func (c *Client) RetrieveMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	c.mu.Lock()
	e, ok := c.cache[id]
	c.mu.Unlock()

	if !ok {
		if _, err := c.ListMessageIDs(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		e, ok = c.cache[id]
		c.mu.Unlock()
		if !ok {
			return nil, mailbox.NewNetworkError(nil, "mbox message %s not found in %s", id, c.path)
		}
	}

	ack := func(context.Context) error {
		fileName := ""
		if name, ok := mexValue(e.headers, mailbox.HeaderFileName); ok {
			fileName = name
		}
		if err := c.tracker.Acknowledge(e.id, fileName); err != nil {
			return mailbox.NewNetworkError(err, "acknowledge mbox message %s: %v", e.id, err)
		}
		c.mu.Lock()
		delete(c.cache, e.id)
		c.mu.Unlock()
		return nil
	}
	return mailbox.NewMessage(e.id, e.headers, io.NopCloser(bytes.NewReader(e.body)), ack), nil
}

func (c *Client) pending(ctx context.Context) ([]entry, error) {
	var out []entry
	err := c.scan(ctx, func(e entry) error {
		acked, err := c.tracker.IsAcknowledged(e.id)
		if err != nil {
			return mailbox.NewNetworkError(err, "read mbox state: %v", err)
		}
		if !acked {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// scan walks the archive. Unreadable messages are logged and skipped; a
// missing or unreadable archive is a *mailbox.NetworkError.
func (c *Client) scan(ctx context.Context, fn func(entry) error) error {
	file, err := os.Open(c.path)
	if err != nil {
		return mailbox.NewNetworkError(err, "open mbox %s: %v", c.path, err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	seen := make(map[string]struct{})
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return mailbox.NewNetworkError(err, "read mbox %s message %d: %v", c.path, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			c.logger.Warn("skipping unreadable mbox message", "path", c.path, "index", idx, "err", err)
			continue
		}

		headers, body, err := mailbox.ParseRaw(raw)
		if err != nil {
			c.logger.Warn("skipping malformed mbox message", "path", c.path, "index", idx, "err", err)
			continue
		}
		if !c.filter.Allows(headers, body) {
			continue
		}

		id := messageID(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if err := fn(entry{id: id, headers: headers, body: body}); err != nil {
			return err
		}
	}
}

func messageID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func mexValue(headers map[string]string, name string) (string, bool) {
	for key, value := range headers {
		if n, ok := mailbox.MexHeaderName(key); ok && n == name {
			return value, true
		}
	}
	return "", false
}
