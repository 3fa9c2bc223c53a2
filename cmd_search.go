package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"interruption-alerts/chatdb"
	"interruption-alerts/config"
	"interruption-alerts/pkg/alert"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Print every message matching keywords in a window, without notifying",
	Long: "search is a debugging aid: it prompts for keywords and a time interval when they are not " +
		"given as flags and prints every raw match. It never reads or writes notification state.",
	RunE: runSearch,
}

var (
	colorDim    = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#626262"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#25D366"}

	labelStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	dateStyle    = lipgloss.NewStyle().Foreground(colorDim)
	senderStyle  = lipgloss.NewStyle().Foreground(colorGreen)
	headerStyle  = lipgloss.NewStyle().Bold(true)
	messageStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			PaddingLeft(1).
			PaddingRight(1)
)

func runSearch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigPath: flagConfig, EnvFile: flagEnvFile})
	if err != nil {
		return err
	}
	// Nothing is posted, so a webhook URL is not required.
	cfg.DryRun = true

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	flags := cmd.Flags()

	if flags.Changed("keywords") {
		cfg.Keywords = config.SplitKeywords(flagKeywords)
	} else {
		line, err := prompt(in, out, "Enter keywords (comma-separated): ")
		if err != nil {
			return err
		}
		cfg.Keywords = config.SplitKeywords(line)
	}

	if flags.Changed("window") {
		cfg.Window = flagWindow
	} else {
		line, err := prompt(in, out, "Enter time interval (e.g., '24 hours', '7 days'): ")
		if err != nil {
			return err
		}
		cfg.Window = line
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg, flagLogFormat)
	if err != nil {
		return err
	}
	defer closeLog()

	return search(ctx, cfg, out, logger)
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// search prints every raw match for the configured criteria.
func search(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	db, err := chatdb.Open(ctx, cfg.ChatDB, cfg.Location(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	criteria := cfg.Criteria(time.Now())
	msgs, err := db.Search(ctx, criteria)
	if err != nil {
		return err
	}
	renderResults(out, msgs, criteria)
	return nil
}

func renderResults(out io.Writer, msgs []*alert.Message, c alert.Criteria) {
	noun := "messages"
	if len(msgs) == 1 {
		noun = "message"
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Found %d %s matching the criteria", len(msgs), noun)))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Keywords:"), strings.Join(c.Keywords, ", "))
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Time interval:"), c.Window)

	for _, m := range msgs {
		body := fmt.Sprintf("%s %s\n%s %s\n\n%s",
			labelStyle.Render("Date:"), dateStyle.Render(m.SentAt.Format(alert.DateLayout)),
			labelStyle.Render("From:"), senderStyle.Render(m.Sender),
			m.Text)
		fmt.Fprintln(out, messageStyle.Render(body))
	}
}
