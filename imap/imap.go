// Package imap exposes an IMAP folder as a mailbox.Client. Unseen messages
// form the inbox; acknowledging a message sets \Seen.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

var ErrInvalidMessageID = errors.New("imap message id is not a uid")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Client keeps one lazily dialled connection. Any command failure drops the
// connection so the next call reconnects.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    *imapclient.Client
	cleanup func()
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{opts: opts, logger: logger}, nil
}

func (c *Client) ListMessageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.withConn(ctx, "list unseen messages", func(conn *imapclient.Client) error {
		if _, err := conn.Select(c.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			return err
		}
		criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}
		data, err := conn.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			ids = append(ids, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	return ids, err
}

func (c *Client) CountMessages(ctx context.Context) (int, error) {
	var count int
	err := c.withConn(ctx, "count unseen messages", func(conn *imapclient.Client) error {
		data, err := conn.Status(c.folder(), &imapv2.StatusOptions{NumUnseen: true}).Wait()
		if err != nil {
			return err
		}
		if data.NumUnseen != nil {
			count = int(*data.NumUnseen)
		}
		return nil
	})
	return count, err
}

// RetrieveMessage fetches the full message with BODY.PEEK[] so the \Seen
// flag is left untouched until Acknowledge.
func (c *Client) RetrieveMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.withConn(ctx, "fetch message "+id, func(conn *imapclient.Client) error {
		if _, err := conn.Select(c.folder(), nil).Wait(); err != nil {
			return err
		}
		section := &imapv2.FetchItemBodySection{Peek: true}
		msgs, err := conn.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
			UID:         true,
			BodySection: []*imapv2.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("uid %d not found in %s", uid, c.folder())
		}
		raw = msgs[0].FindBodySection(section)
		return nil
	})
	if err != nil {
		return nil, err
	}

	headers, body, err := mailbox.ParseRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("imap message %s: %w", id, err)
	}
	ack := func(ctx context.Context) error {
		return c.markSeen(ctx, uid)
	}
	return mailbox.NewMessage(id, headers, io.NopCloser(bytes.NewReader(body)), ack), nil
}

func (c *Client) markSeen(ctx context.Context, uid imapv2.UID) error {
	return c.withConn(ctx, fmt.Sprintf("mark uid %d seen", uid), func(conn *imapclient.Client) error {
		if _, err := conn.Select(c.folder(), nil).Wait(); err != nil {
			return err
		}
		store := &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}
		return conn.Store(imapv2.UIDSetNum(uid), store, nil).Close()
	})
}

// Close logs out and closes the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

// withConn runs fn on the shared connection. Dial and command failures are
// reported as *mailbox.NetworkError.
func (c *Client) withConn(ctx context.Context, op string, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, cleanup, err := c.dial(ctx)
		if err != nil {
			return mailbox.NewNetworkError(err, "imap %s: %v", op, err)
		}
		c.conn, c.cleanup = conn, cleanup
	}

	if err := fn(c.conn); err != nil {
		c.dropLocked()
		return mailbox.NewNetworkError(err, "imap %s: %v", op, err)
	}
	return nil
}

func (c *Client) dropLocked() {
	if c.cleanup != nil {
		c.cleanup()
	}
	c.conn, c.cleanup = nil, nil
}

func (c *Client) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	options := &imapclient.Options{}

	if c.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		}
	}

	var (
		conn *imapclient.Client
		err  error
	)
	if c.opts.UseTLS {
		conn, err = imapclient.DialTLS(address, options)
	} else {
		conn, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", address, err)
	}

	if err := conn.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("login failed: %w", err)
	}

	c.logger.Debug("imap connection established", "address", address, "user", c.opts.Username, "folder", c.folder(), "tls", c.opts.UseTLS)

	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := conn.Logout().Wait(); err != nil {
				c.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := conn.Close(); err != nil {
			c.logger.Debug("imap connection closed", "err", err)
		}
	}

	return conn, cleanup, nil
}

func (c *Client) folder() string {
	if c.opts.Folder == "" {
		return "INBOX"
	}
	return c.opts.Folder
}

func parseUID(id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	return imapv2.UID(n), nil
}
