// Package poll runs a keyword scan and notifies about matches not seen before.
package poll

import (
	"context"
	"fmt"
	"interruption-alerts/pkg/alert"
	"log/slog"
	"strings"
)

// Searcher interface for reading matching messages.
type Searcher interface {
	Search(ctx context.Context, c alert.Criteria) ([]*alert.Message, error)
}

// Store interface for notification state.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, id string) error
}

// Notifier interface for delivering alerts.
type Notifier interface {
	Send(ctx context.Context, msg *alert.Message) (string, error)
}

// Monitor handles a single polling run.
type Monitor struct {
	searcher Searcher
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates a new poll monitor.
func New(searcher Searcher, store Store, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		searcher: searcher,
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Run searches, keeps the newest match per sender and notifies each one at most once.
//
// A message is recorded only after the webhook accepted it. A failed delivery is
// logged and left unrecorded so the next run tries again; a crash between delivery
// and record can therefore produce a duplicate, never a silent loss.
// Search and state store failures abort the run.
func (m *Monitor) Run(ctx context.Context, c alert.Criteria) (*alert.Report, error) {
	msgs, err := m.searcher.Search(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	ranked := Latest(msgs)
	m.logger.Info("Matches ranked", "matches", len(msgs), "senders", len(ranked))

	report := &alert.Report{
		Found:    len(ranked),
		Window:   c.Window,
		Keywords: c.Keywords,
	}

	for _, msg := range ranked {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping run", "error", ctx.Err())
			return report, ctx.Err()
		default:
		}

		if err := m.handle(ctx, msg, report); err != nil {
			return report, err
		}
	}

	m.logger.Info(Summary(report),
		"found", report.Found,
		"notified", report.Notified,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"window", report.Window.String(),
		"keywords", strings.Join(report.Keywords, ", "))

	return report, nil
}

func (m *Monitor) handle(ctx context.Context, msg *alert.Message, report *alert.Report) error {
	from := alert.FormatSender(msg.Sender)
	m.logger.Info("Message found",
		"message_id", msg.ID,
		"date", msg.SentAt.Format(alert.DateLayout),
		"from", from,
		"text", msg.Text)

	seen, err := m.store.Has(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("check notification state for %s: %w", msg.ID, err)
	}
	if seen {
		report.Skipped++
		m.logger.Info("Already notified about message", "message_id", msg.ID, "from", from)
		return nil
	}

	resp, err := m.notifier.Send(ctx, msg)
	if err != nil {
		report.Failed++
		m.logger.Warn("Notification delivery failed, leaving message unrecorded",
			"message_id", msg.ID,
			"from", from,
			"error", err)
		return nil
	}

	if err := m.store.Record(ctx, msg.ID); err != nil {
		return fmt.Errorf("record notification for %s: %w", msg.ID, err)
	}
	report.Notified++
	m.logger.Info("Sent notification for message", "message_id", msg.ID, "from", from, "response", resp)
	return nil
}

// Summary renders the one-line outcome of a run.
func Summary(r *alert.Report) string {
	switch r.Found {
	case 0:
		return fmt.Sprintf("No new messages containing any of the keywords found in the last %s", r.Window)
	case 1:
		return "1 message found"
	default:
		return fmt.Sprintf("%d messages found", r.Found)
	}
}
