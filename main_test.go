package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"interruption-alerts/chatdb"
	"interruption-alerts/chatdb/chatdbtest"
	"interruption-alerts/config"
	"interruption-alerts/pkg/alert"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// resetFlags clears flag state left on the shared root command by earlier tests.
func resetFlags(t *testing.T) {
	t.Helper()
	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, k := range []string{
		"SLACK_WEBHOOK", "WEBHOOK_URL", "ALERT_KEYWORDS", "ALERT_WINDOW", "CHAT_DB_PATH",
		"ALERT_TIMEZONE", "STATE_DRIVER", "STATE_PATH", "LOG_FILE", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, chatDB, statePath string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("chat_db: %s\ntimezone: UTC\nstate:\n  path: %s\n", chatDB, statePath)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	resetFlags(t)
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "interruption-alerts dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestNotifyCommand(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()

	fixture := chatdbtest.New(t)
	fixture.Insert(chatdbtest.Message{
		Handle: "+11234567890",
		Text:   "Water supply interrupted",
		At:     time.Now().Add(-30 * time.Minute),
	})

	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !strings.Contains(body.Text, "123-456-7890") {
			t.Errorf("unexpected payload %q", body.Text)
		}
		posts++
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	statePath := filepath.Join(dir, "notified-alerts.txt")
	cfgPath := writeConfig(t, dir, fixture.Path, statePath)
	envPath := filepath.Join(dir, "config.env")
	if err := os.WriteFile(envPath, []byte("SLACK_WEBHOOK="+srv.URL+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	args := []string{"notify", "--config", cfgPath, "--env-file", envPath,
		"--window", "1 hour", "--keywords", "interrupted,Water supply", "--log-format", "text"}
	for run := 1; run <= 2; run++ {
		if _, err := execute(t, "", args...); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	if posts != 1 {
		t.Errorf("webhook called %d times over two runs, want 1", posts)
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 1 {
		t.Errorf("state file has %d records, want 1: %q", lines, data)
	}
}

func TestNotifyCommandDryRunLeavesStateEmpty(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()

	fixture := chatdbtest.New(t)
	fixture.Insert(chatdbtest.Message{Handle: "+11234567890", Text: "Water supply interrupted", At: time.Now().Add(-time.Minute)})

	statePath := filepath.Join(dir, "notified-alerts.txt")
	cfgPath := writeConfig(t, dir, fixture.Path, statePath)
	if _, err := execute(t, "", "notify", "--config", cfgPath, "--dry-run", "--log-format", "text"); err != nil {
		t.Fatalf("dry run: %v", err)
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("dry run wrote state: %q", data)
	}
}

func TestNotifyCommandFailures(t *testing.T) {
	dir := t.TempDir()
	missingDB := filepath.Join(dir, "missing.db")
	cfgPath := writeConfig(t, dir, missingDB, filepath.Join(dir, "state.txt"))

	fixture := chatdbtest.New(t)
	gcsPath := filepath.Join(dir, "gcs.yaml")
	gcsConfig := fmt.Sprintf("chat_db: %s\nstate:\n  driver: gcs\n  bucket: alerts\n  credentials_file: %s\n",
		fixture.Path, filepath.Join(dir, "missing-creds.json"))
	if err := os.WriteFile(gcsPath, []byte(gcsConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing webhook", args: []string{"notify", "--config", cfgPath}},
		{name: "missing env file", args: []string{"notify", "--config", cfgPath, "--dry-run", "--env-file", filepath.Join(dir, "none.env")}},
		{name: "missing database", args: []string{"notify", "--config", cfgPath, "--dry-run"}},
		{name: "bad window", args: []string{"notify", "--config", cfgPath, "--dry-run", "--window", "soon"}},
		{name: "window too long", args: []string{"notify", "--config", cfgPath, "--dry-run", "--window", "20000 weeks"}},
		{name: "missing credentials file", args: []string{"notify", "--config", gcsPath, "--dry-run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(t)
			_, err := execute(t, "", tt.args...)
			if err == nil {
				t.Fatal("expected failure")
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "state.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state must not be touched when the run fails early: %v", err)
	}
}

func TestSearchCommandPrompts(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()

	fixture := chatdbtest.New(t)
	fixture.Insert(chatdbtest.Message{Handle: "+15550001111", Text: "Electricity supply cut at 5pm", At: time.Now().Add(-2 * time.Hour)})
	fixture.Insert(chatdbtest.Message{Handle: "+15550001111", Text: "Electricity supply restored", At: time.Now().Add(-time.Hour)})
	fixture.Insert(chatdbtest.Message{Handle: "+15550002222", Text: "see you soon", At: time.Now().Add(-time.Minute)})

	cfgPath := writeConfig(t, dir, fixture.Path, filepath.Join(dir, "state.txt"))
	out, err := execute(t, "electricity\n24 hours\n", "search", "--config", cfgPath, "--log-format", "text")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	for _, want := range []string{
		"Enter keywords (comma-separated): ",
		"Enter time interval",
		"Found 2 messages matching the criteria",
		"cut at 5pm",
		"restored",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "see you soon") {
		t.Error("non-matching message printed")
	}
	if _, err := os.Stat(filepath.Join(dir, "state.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("search must not create notification state")
	}
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	in := bufio.NewReader(strings.NewReader("  water supply  \nlast"))

	got, err := prompt(in, &out, "Q1: ")
	if err != nil || got != "water supply" {
		t.Errorf("prompt() = %q, %v", got, err)
	}
	got, err = prompt(in, &out, "Q2: ")
	if err != nil || got != "last" {
		t.Errorf("prompt() without newline = %q, %v", got, err)
	}
	if out.String() != "Q1: Q2: " {
		t.Errorf("prompts written = %q", out.String())
	}
}

func TestRenderResults(t *testing.T) {
	var out bytes.Buffer
	renderResults(&out, []*alert.Message{{
		ID:     "1",
		Sender: "+11234567890",
		SentAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Text:   "Water supply interrupted",
	}}, alert.Criteria{Keywords: []string{"water supply"}, Window: alert.Window{Value: 7, Unit: alert.Day}})

	for _, want := range []string{"Found 1 message matching", "water supply", "7 days", "2025-03-14 09:26:53", "+11234567890", "Water supply interrupted"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"hello"`},
		{format: "", want: `"msg":"hello"`},
		{format: "text", want: "msg=hello"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		newLogger(&buf, tt.format, slog.LevelInfo).Info("hello")
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("format %q: got %q, want substring %q", tt.format, buf.String(), tt.want)
		}
	}

	var buf bytes.Buffer
	newLogger(&buf, "text", slog.LevelWarn).Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestLogFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: &chatdb.AccessError{Path: "/x/chat.db", Reason: "file is not readable"}, want: "Cannot access the messages database"},
		{err: fmt.Errorf("search messages: %w", &chatdb.QueryError{Err: errors.New("no such table")}), want: "Error querying the messages database"},
		{err: &config.Error{Field: "window", Err: alert.ErrInvalidWindow}, want: "field=window"},
		{err: fmt.Errorf("wrapped: %w", context.Canceled), want: "Run interrupted"},
		{err: errors.New("plain"), want: "Run failed"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logFailure(newLogger(&buf, "text", slog.LevelInfo), tt.err)
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("logFailure(%v) = %q, want substring %q", tt.err, buf.String(), tt.want)
		}
	}
}
