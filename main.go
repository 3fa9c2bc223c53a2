// Package main implements a command that scans the macOS Messages database for
// utility interruption notices and posts each new one to a Slack webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"interruption-alerts/chatdb"
	"interruption-alerts/config"
	"interruption-alerts/pkg/alert"
	"interruption-alerts/poll"
	"interruption-alerts/storage"
	"interruption-alerts/webhook"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfig    string
	flagEnvFile   string
	flagWindow    string
	flagKeywords  string
	flagLogFormat string
	flagDryRun    bool
)

var rootCmd = &cobra.Command{
	Use:           "interruption-alerts",
	Short:         "Forward utility interruption notices from Messages to Slack",
	Long:          "interruption-alerts searches recent incoming iMessage/SMS messages for interruption keywords and posts each new match to a webhook exactly once.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNotify,
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Run one scan and notify about new matches (default)",
	RunE:  runNotify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "interruption-alerts %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "path to config file (default "+config.DefaultConfigPath()+")")
	pf.StringVar(&flagEnvFile, "env-file", "", "dotenv file with SLACK_WEBHOOK (default ./"+config.DefaultEnvFile+")")
	pf.StringVar(&flagWindow, "window", "", `look-back window, e.g. "1 hour" or "24 hours"`)
	pf.StringVar(&flagKeywords, "keywords", "", "comma-separated keywords")
	pf.StringVar(&flagLogFormat, "log-format", "json", "log format: json or text")
	pf.BoolVar(&flagDryRun, "dry-run", false, "log notifications instead of posting them")

	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// errReported marks a failure that has already been logged.
var errReported = errors.New("run failed")

func runNotify(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()

	cfg, err := loadConfig(cmd)
	if err != nil {
		newLogger(os.Stdout, flagLogFormat, slog.LevelInfo).With("run_id", runID).
			Error("Invalid configuration", "error", err)
		return errReported
	}

	logger, closeLog, err := setupLogger(cfg, flagLogFormat)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = logger.With("run_id", runID)
	slog.SetDefault(logger)

	logger.Info("Starting interruption alert run",
		"version", version,
		"window", cfg.WindowSpec().String(),
		"keywords", strings.Join(cfg.Keywords, ", "),
		"chat_db", cfg.ChatDB,
		"state_driver", cfg.State.Driver,
		"dry_run", cfg.DryRun)

	start := time.Now()
	report, err := notify(ctx, cfg, logger)
	if err != nil {
		logFailure(logger, err)
		return errReported
	}

	logger.Info("Run complete",
		"summary", poll.Summary(report),
		"notified", report.Notified,
		"failed", report.Failed,
		"duration", time.Since(start).String())
	return nil
}

// notify wires the message store, state store and webhook for a single run.
func notify(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*alert.Report, error) {
	db, err := chatdb.Open(ctx, cfg.ChatDB, cfg.Location(), logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close messages database", "error", err)
		}
	}()

	store, err := storage.Open(ctx, cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open notification state: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close notification state", "error", err)
		}
	}()

	var (
		provider webhook.Provider
		state    poll.Store = store
	)
	if cfg.DryRun {
		logger.Info("Dry run enabled, webhook posts and state writes will only be logged")
		provider = webhook.NewMockProvider(logger)
		state = dryRunStore{Store: store, logger: logger}
	} else {
		provider = webhook.NewHTTPProvider(cfg.WebhookURL, cfg.Timeout(), logger)
	}

	monitor := poll.New(db, state, webhook.New(provider, logger), logger)
	return monitor.Run(ctx, cfg.Criteria(time.Now()))
}

// dryRunStore reads real state but never writes it.
type dryRunStore struct {
	storage.Store
	logger *slog.Logger
}

func (s dryRunStore) Record(_ context.Context, id string) error {
	s.logger.Info("Dry run, not recording notification", "message_id", id)
	return nil
}

// loadConfig merges file, env and flag settings and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigPath: flagConfig,
		EnvFile:    flagEnvFile,
	})
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("window") {
		cfg.Window = flagWindow
	}
	if flags.Changed("keywords") {
		cfg.Keywords = config.SplitKeywords(flagKeywords)
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = flagDryRun
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger writes to stdout and, when configured, appends the same stream to a log file.
func setupLogger(cfg *config.Config, format string) (*slog.Logger, func(), error) {
	if cfg.LogFile == "" {
		return newLogger(os.Stdout, format, cfg.Level()), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := newLogger(io.MultiWriter(os.Stdout, f), format, cfg.Level())
	return logger, func() { _ = f.Close() }, nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// logFailure logs a fatal run error with whatever detail its type carries.
func logFailure(logger *slog.Logger, err error) {
	var (
		accessErr *chatdb.AccessError
		queryErr  *chatdb.QueryError
		configErr *config.Error
	)
	switch {
	case errors.As(err, &accessErr):
		logger.Error("Cannot access the messages database",
			"path", accessErr.Path,
			"reason", accessErr.Reason,
			"permissions", accessErr.Diag.Mode,
			"owner", accessErr.Diag.Owner,
			"user", accessErr.Diag.User,
			"hint", "grant Full Disk Access to the program running this command",
			"error", err)
	case errors.As(err, &queryErr):
		logger.Error("Error querying the messages database", "error", err)
	case errors.As(err, &configErr):
		logger.Error("Invalid configuration", "field", configErr.Field, "error", err)
	case errors.Is(err, context.Canceled):
		logger.Warn("Run interrupted", "error", err)
	default:
		logger.Error("Run failed", "error", err)
	}
}
