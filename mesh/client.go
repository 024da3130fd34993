// Package mesh implements mailbox.Client over the MESH HTTP API.
package mesh

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/mesh-forwarder/mailbox"
)

const (
	clientVersion  = "mesh-forwarder/1"
	chunkRangeKey  = "Mex-Chunk-Range"
	defaultTimeout = 60 * time.Second
)

var (
	ErrMissingURL     = errors.New("mesh url is empty")
	ErrMissingMailbox = errors.New("mesh mailbox is empty")
)

type Options struct {
	URL       string
	Mailbox   string
	Password  string
	SharedKey []byte

	ClientCertPath     string
	ClientKeyPath      string
	CACertPath         string
	InsecureSkipVerify bool

	// Timeout bounds each HTTP round-trip. Zero means one minute.
	Timeout time.Duration

	// HTTPClient overrides the TLS client built from the paths above.
	HTTPClient *http.Client
}

type Client struct {
	base    *url.URL
	mailbox string
	http    *http.Client
	auth    *authenticator
	logger  *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, ErrMissingURL
	}
	if opts.Mailbox == "" {
		return nil, ErrMissingMailbox
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse mesh url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		tlsConfig, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		httpClient = &http.Client{Transport: transport, Timeout: timeout}
	}

	return &Client{
		base:    base,
		mailbox: opts.Mailbox,
		http:    httpClient,
		auth:    newAuthenticator(opts.Mailbox, opts.Password, opts.SharedKey),
		logger:  logger,
	}, nil
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.ClientCertPath != "" || opts.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mesh client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if opts.CACertPath != "" {
		pem, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read mesh ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mesh ca certificate %s contains no certificates", opts.CACertPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Handshake validates the mailbox credentials with the server.
func (c *Client) Handshake(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.mailboxPath(), nil)
	if err != nil {
		return err
	}
	drain(resp.Body)
	c.logger.Info("mesh handshake completed", "mailbox", c.mailbox)
	return nil
}

func (c *Client) ListMessageIDs(ctx context.Context) ([]string, error) {
	var payload struct {
		Messages []string `json:"messages"`
	}
	if err := c.getJSON(ctx, c.mailboxPath("inbox"), "inbox", &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

func (c *Client) CountMessages(ctx context.Context) (int, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, c.mailboxPath("count"), "count", &payload); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// getJSON reads the whole response before decoding so a connection lost
// mid-body is a *mailbox.NetworkError and only malformed JSON is not.
func (c *Client) getJSON(ctx context.Context, target, what string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mailbox.NewNetworkError(err,
			"ConnectionError received when attempting to connect to: %s caused by: %v", target, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode mesh %s: %w", what, err)
	}
	return nil
}

// RetrieveMessage downloads the first chunk and returns a message whose body
// fetches any remaining chunks on demand.
func (c *Client) RetrieveMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, c.mailboxPath("inbox", id), nil)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	chunks, err := parseChunkRange(resp.Header.Get(chunkRangeKey))
	if err != nil {
		drain(resp.Body)
		return nil, err
	}

	body := &chunkReader{
		ctx:     ctx,
		client:  c,
		id:      id,
		current: resp.Body,
		next:    2,
		total:   chunks,
	}
	ack := func(ctx context.Context) error {
		return c.acknowledge(ctx, id)
	}
	return mailbox.NewMessage(id, headers, body, ack), nil
}

func (c *Client) acknowledge(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPut, c.mailboxPath("inbox", id, "status", "acknowledged"), nil)
	if err != nil {
		return err
	}
	drain(resp.Body)
	c.logger.Debug("mesh message acknowledged", "messageId", id)
	return nil
}

func (c *Client) mailboxPath(elem ...string) string {
	return c.base.JoinPath(append([]string{"messageexchange", c.mailbox}, elem...)...).String()
}

// do performs one authenticated request. Transport failures and non-2xx
// responses come back as *mailbox.NetworkError.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build mesh request: %w", err)
	}
	req.Header.Set("Authorization", c.auth.header())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mex-ClientVersion", clientVersion)
	req.Header.Set("Mex-OSName", runtime.GOOS)
	req.Header.Set("Mex-OSArchitecture", runtime.GOARCH)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mailbox.NewNetworkError(err,
			"ConnectionError received when attempting to connect to: %s caused by: %v", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, mailbox.NewNetworkError(nil,
			"%d HTTP Error: %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), target)
	}
	return resp, nil
}

// parseChunkRange reads "current:total". A missing header means one chunk.
func parseChunkRange(value string) (int, error) {
	if value == "" {
		return 1, nil
	}
	_, total, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("malformed %s header %q", chunkRangeKey, value)
	}
	n, err := strconv.Atoi(strings.TrimSpace(total))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed %s header %q", chunkRangeKey, value)
	}
	return n, nil
}

type chunkReader struct {
	ctx     context.Context
	client  *Client
	id      string
	current io.ReadCloser
	next    int
	total   int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			return 0, io.EOF
		}
		n, err := r.current.Read(p)
		if err != nil && !errors.Is(err, io.EOF) {
			return n, mailbox.NewNetworkError(err, "read mesh message %s chunk %d: %v", r.id, r.next-1, err)
		}
		if err == nil {
			return n, nil
		}
		_ = r.current.Close()
		r.current = nil
		if r.next <= r.total {
			resp, ferr := r.client.do(r.ctx, http.MethodGet, r.client.mailboxPath("inbox", r.id, strconv.Itoa(r.next)), nil)
			if ferr != nil {
				return n, ferr
			}
			r.current = resp.Body
			r.next++
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (r *chunkReader) Close() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
