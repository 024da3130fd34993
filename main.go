package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mesh-forwarder/cmd"
	"github.com/dhcgn/mesh-forwarder/config"
	"github.com/dhcgn/mesh-forwarder/forwarder"
	"github.com/dhcgn/mesh-forwarder/health"
	"github.com/dhcgn/mesh-forwarder/metrics"
	"github.com/dhcgn/mesh-forwarder/probe"
	"github.com/dhcgn/mesh-forwarder/runner"
	"github.com/dhcgn/mesh-forwarder/stats"
	"github.com/dhcgn/mesh-forwarder/uploader"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mesh-forwarder",
		Short:        "Forward messages from a MESH mailbox to S3, SNS or Kafka",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(c); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting mesh-forwarder",
				"mailbox", cfg.MailboxKind, "destination", cfg.Destination, "pollFrequency", cfg.PollFrequency)

			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewMailboxStatsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("metrics.New: %w", err)
	}
	if err := health.Serve(ctx, cfg.MetricsAddr, registry, logger); err != nil {
		return err
	}

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, logger)
	defer reporter.Report()
	p := probe.New(logger, collector, recorder)

	mb, err := cmd.OpenMailbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			logger.Warn("closing mailbox failed", "err", err)
		}
	}()

	up, closeUploader, err := uploader.New(ctx, cfg.UploaderConfig())
	if err != nil {
		return fmt.Errorf("uploader.New: %w", err)
	}
	defer func() {
		if err := closeUploader(); err != nil {
			logger.Warn("closing uploader failed", "err", err)
		}
	}()

	fwd, err := forwarder.New(mb.Client, up, p, forwarder.Options{
		DisableHeaderValidation: cfg.DisableHeaderValidation,
		Logger:                  logger,
	})
	if err != nil {
		return fmt.Errorf("forwarder.New: %w", err)
	}

	var opts []runner.Option
	if mb.Wake != nil {
		opts = append(opts, runner.WithWake(mb.Wake))
	}
	r := runner.New(fwd, cfg.PollFrequency, logger, opts...)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Info("received signal, stopping", "signal", sig.String())
			r.Stop()
		case <-ctx.Done():
		}
	}()

	return r.Start(ctx)
}

func setupLogger(cfg config.Config, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }
	out := stdout

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mesh-forwarder-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}
		out = io.MultiWriter(stdout, file)
		cleanup = file.Close
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), cleanup, nil
}
