// Package cmd holds the mailbox factory shared by the forwarder and its
// subcommands, and the mailbox-stats subcommand.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dhcgn/mesh-forwarder/config"
	"github.com/dhcgn/mesh-forwarder/filter"
	"github.com/dhcgn/mesh-forwarder/imap"
	"github.com/dhcgn/mesh-forwarder/mailbox"
	"github.com/dhcgn/mesh-forwarder/mbox"
	"github.com/dhcgn/mesh-forwarder/mesh"
	"github.com/dhcgn/mesh-forwarder/secrets"
	"github.com/dhcgn/mesh-forwarder/state"
)

// Certificate file names written below --forwarder-home when the MESH
// certificates come from SSM.
const (
	clientCertFile = "client_cert.pem"
	clientKeyFile  = "client_key.pem"
	caCertFile     = "ca_cert.pem"
)

// Mailbox is an opened mailbox client plus what it holds open.
type Mailbox struct {
	Client mailbox.Client
	// Wake fires when the mailbox changed outside a poll. Nil unless an mbox
	// archive is watched.
	Wake <-chan struct{}
	// Filter is the mbox filter, nil for other kinds.
	Filter *filter.Filter

	closers []func() error
}

func (m *Mailbox) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i]())
	}
	return errors.Join(errs...)
}

type secretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	DownloadSecret(ctx context.Context, name, path string) error
}

// OpenMailbox builds the mailbox client selected by cfg.MailboxKind.
func OpenMailbox(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.MailboxKind {
	case config.MailboxMESH:
		var store secretStore
		if cfg.UsesSSM() {
			manager, err := secrets.NewFromEnvironment(ctx, cfg.AWSRegion, cfg.SSMEndpointURL)
			if err != nil {
				return nil, err
			}
			store = manager
		}
		opts, err := meshOptions(ctx, cfg, store)
		if err != nil {
			return nil, err
		}
		client, err := mesh.NewClient(opts, logger)
		if err != nil {
			return nil, fmt.Errorf("mesh.NewClient: %w", err)
		}
		if err := client.Handshake(ctx); err != nil {
			// The poll loop retries transport faults, so startup does not fail here.
			logger.Warn("mesh handshake failed", "err", err)
		}
		return &Mailbox{Client: client}, nil

	case config.MailboxIMAP:
		client, err := imap.NewClient(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.NewClient: %w", err)
		}
		return &Mailbox{Client: client, closers: []func() error{client.Close}}, nil

	case config.MailboxMbox:
		return openMbox(ctx, cfg, logger)
	}

	return nil, fmt.Errorf("invalid mailbox kind: %q", cfg.MailboxKind)
}

func openMbox(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Mailbox, error) {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}

	tracker, err := state.Open(cfg.StateBackend, cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	mb := &Mailbox{Filter: f, closers: []func() error{tracker.Close}}

	client, err := mbox.NewClient(mbox.Options{Path: cfg.MboxPath, Filter: f}, tracker, logger)
	if err != nil {
		_ = mb.Close()
		return nil, fmt.Errorf("mbox.NewClient: %w", err)
	}
	mb.Client = client

	if cfg.WatchMbox {
		wake, err := mbox.Watch(ctx, cfg.MboxPath, logger)
		if err != nil {
			_ = mb.Close()
			return nil, err
		}
		mb.Wake = wake
	}

	logger.Info("opened mbox mailbox", "path", cfg.MboxPath, "stateBackend", cfg.StateBackend,
		"acknowledged", tracker.Snapshot().Acknowledged, "filtered", f.Active())
	return mb, nil
}

// meshOptions starts from the literal settings and replaces every value
// whose SSM parameter is configured. Certificates are written into
// cfg.ForwarderHome.
func meshOptions(ctx context.Context, cfg config.Config, store secretStore) (mesh.Options, error) {
	opts := mesh.Options{
		URL:                cfg.MESHURL,
		Mailbox:            cfg.MESHMailbox,
		Password:           cfg.MESHPassword,
		SharedKey:          []byte(cfg.MESHSharedKey),
		ClientCertPath:     cfg.MESHClientCertPath,
		ClientKeyPath:      cfg.MESHClientKeyPath,
		CACertPath:         cfg.MESHCACertPath,
		InsecureSkipVerify: cfg.MESHInsecureSkipVerify,
		Timeout:            cfg.MESHTimeout,
	}
	if !cfg.UsesSSM() {
		return opts, nil
	}
	if store == nil {
		return mesh.Options{}, errors.New("ssm parameters configured without a secret store")
	}

	values := []struct {
		param string
		set   func(string)
	}{
		{cfg.MESHMailboxParam, func(v string) { opts.Mailbox = v }},
		{cfg.MESHPasswordParam, func(v string) { opts.Password = v }},
		{cfg.MESHSharedKeyParam, func(v string) { opts.SharedKey = []byte(v) }},
	}
	for _, v := range values {
		if v.param == "" {
			continue
		}
		secret, err := store.GetSecret(ctx, v.param)
		if err != nil {
			return mesh.Options{}, err
		}
		v.set(secret)
	}

	files := []struct {
		param string
		file  string
		path  *string
	}{
		{cfg.MESHClientCertParam, clientCertFile, &opts.ClientCertPath},
		{cfg.MESHClientKeyParam, clientKeyFile, &opts.ClientKeyPath},
		{cfg.MESHCACertParam, caCertFile, &opts.CACertPath},
	}
	for _, f := range files {
		if f.param == "" {
			continue
		}
		path := filepath.Join(cfg.ForwarderHome, f.file)
		if err := store.DownloadSecret(ctx, f.param, path); err != nil {
			return mesh.Options{}, err
		}
		*f.path = path
	}
	return opts, nil
}
