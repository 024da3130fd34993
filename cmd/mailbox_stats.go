package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mesh-forwarder/config"
	"github.com/dhcgn/mesh-forwarder/filter"
	"github.com/dhcgn/mesh-forwarder/mailbox"
	"github.com/dhcgn/mesh-forwarder/stats"
)

const (
	categorySender      = "Sender"
	categoryRecipient   = "Recipient"
	categoryMessageType = "Message-Type"
	categoryValidation  = "Validation"

	csvLimit = 1000
)

var trackedCategories = []string{categorySender, categoryRecipient, categoryMessageType, categoryValidation}

// NewMailboxStatsCommand returns the mailbox-stats subcommand. It reads every
// pending message once and never acknowledges anything.
func NewMailboxStatsCommand() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	cmd := &cobra.Command{
		Use:   "mailbox-stats",
		Short: "Show statistics about the messages waiting in the mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(cmd); err != nil {
				return err
			}
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			mb, err := OpenMailbox(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = mb.Close()
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Analyzing %s mailbox\n\n", cfg.MailboxKind)

			s, err := collectMailboxStats(cmd.Context(), mb.Client)
			if err != nil {
				return fmt.Errorf("read mailbox: %w", err)
			}
			s.print(out, topN)
			printFilterHits(out, mb.Filter)

			if reportDir == "" {
				return nil
			}
			if err := saveCSVReports(s.counter, trackedCategories, reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportDir, "output", "o", "", "Output directory for CSV reports (empty disables)")
	cmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return cmd
}

type mailboxStats struct {
	messages int
	failed   int
	counter  map[string]map[string]int
}

// collectMailboxStats retrieves every listed message and counts its
// metadata. Messages that cannot be retrieved are counted as failed.
func collectMailboxStats(ctx context.Context, client mailbox.Client) (*mailboxStats, error) {
	ids, err := client.ListMessageIDs(ctx)
	if err != nil {
		return nil, err
	}

	s := &mailboxStats{counter: make(map[string]map[string]int)}
	for _, c := range trackedCategories {
		s.counter[c] = make(map[string]int)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := client.RetrieveMessage(ctx, id)
		if err != nil {
			s.failed++
			continue
		}
		s.messages++
		s.count(categorySender, msg.Sender)
		s.count(categoryRecipient, msg.Recipient)
		s.count(categoryMessageType, func() (string, error) { return msg.Header(mailbox.HeaderMessageType) })
		s.counter[categoryValidation][validationResult(msg.Validate())]++
		_ = msg.Close()
	}
	return s, nil
}

func (s *mailboxStats) count(category string, value func() (string, error)) {
	v, err := value()
	if err != nil {
		v = "(missing)"
	}
	s.counter[category][v]++
}

func validationResult(err error) string {
	var missing *mailbox.MissingHeaderError
	var invalid *mailbox.InvalidHeaderError
	switch {
	case err == nil:
		return "valid"
	case errors.As(err, &missing):
		return "missing " + missing.Header
	case errors.As(err, &invalid):
		return fmt.Sprintf("%s=%s", invalid.Header, invalid.Actual)
	default:
		return err.Error()
	}
}

func (s *mailboxStats) print(w io.Writer, topN int) {
	fmt.Fprintf(w, "Read %d messages (%d could not be retrieved)\n\n", s.messages, s.failed)
	for _, category := range trackedCategories {
		fmt.Fprintf(w, "Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(w, s.counter[category], topN)
		fmt.Fprintln(w)
	}
}

func printFilterHits(w io.Writer, f *filter.Filter) {
	if !f.Active() {
		return
	}
	hits := f.Hits()
	fmt.Fprintln(w, "Filter hits:")
	for _, p := range stats.Top(hits, len(hits)) {
		fmt.Fprintf(w, "  %s: %d\n", p.Key, p.Value)
	}
}

func saveCSVReports(counter map[string]map[string]int, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeCategory(category)))
		if err := writeCSVReport(path, counter[category], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}

	pairs := stats.Top(counts, limit)
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Value > pairs[j].Value })
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeCategory(category string) string {
	name := strings.ToLower(category)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}
