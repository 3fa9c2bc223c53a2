// Package config loads run settings from defaults, a YAML file, a dotenv file,
// the process environment and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"interruption-alerts/pkg/alert"
	"interruption-alerts/query"
	"interruption-alerts/storage"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // timezone names must resolve on hosts without zoneinfo

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const appName = "interruption-alerts"

// DefaultEnvFile is read from the working directory when no env file is given.
const DefaultEnvFile = "config.env"

// ErrMissingWebhook is returned when no webhook URL is configured outside dry-run mode.
var ErrMissingWebhook = errors.New("webhook URL is not set (SLACK_WEBHOOK)")

// Error reports an invalid or unreadable configuration value.
type Error struct {
	Err   error
	Field string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// State configures where notification records are kept.
type State struct {
	Driver          string `yaml:"driver"`
	Path            string `yaml:"path"`
	Bucket          string `yaml:"bucket"`
	Object          string `yaml:"object"`
	CredentialsFile string `yaml:"credentials_file"`
	credentialsJSON string
}

// Config holds everything a run needs.
type Config struct {
	loc         *time.Location
	WebhookURL  string   `yaml:"webhook_url"`
	Window      string   `yaml:"window"`
	ChatDB      string   `yaml:"chat_db"`
	Timezone    string   `yaml:"timezone"`
	HTTPTimeout string   `yaml:"http_timeout"`
	LogLevel    string   `yaml:"log_level"`
	LogFile     string   `yaml:"log_file"`
	Keywords    []string `yaml:"keywords"`
	State       State    `yaml:"state"`
	window      alert.Window
	timeout     time.Duration
	level       slog.Level
	DryRun      bool `yaml:"dry_run"`
}

// Options controls where Load looks for settings.
type Options struct {
	// Lookup reads the process environment; os.LookupEnv when nil.
	Lookup     func(string) (string, bool)
	ConfigPath string // empty means the XDG default, which may be absent
	EnvFile    string // empty means ./config.env, which may be absent
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Keywords:    []string{"interrupted", "Electricity supply", "Water supply"},
		Window:      "1 hour",
		ChatDB:      DefaultChatDB(),
		Timezone:    "Local",
		HTTPTimeout: "30s",
		LogLevel:    "info",
		State: State{
			Driver: storage.DriverFile,
			Path:   DefaultStatePath(),
		},
	}
}

// DefaultConfigPath is the YAML file read when no --config flag is given.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// DefaultStatePath is where the file backend keeps notified message IDs.
func DefaultStatePath() string {
	return filepath.Join(xdg.DataHome, appName, "notified-alerts.txt")
}

// DefaultChatDB is the Messages database of the current user.
func DefaultChatDB() string {
	return filepath.Join(xdg.Home, "Library", "Messages", "chat.db")
}

// Load merges defaults, the YAML file, the env file and the environment.
// The result is not validated; apply flag overrides and then call Validate.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(opts.ConfigPath); err != nil {
		return nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	vars, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		cfg.applyEnv(func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		})
	case errors.Is(err, os.ErrNotExist) && opts.EnvFile == "":
	default:
		return nil, &Error{Field: "env_file", Err: err}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg.applyEnv(lookup)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return &Error{Field: "config_file", Err: err}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &Error{Field: "config_file", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}

	str(&c.WebhookURL, "SLACK_WEBHOOK", "WEBHOOK_URL")
	str(&c.Window, "ALERT_WINDOW")
	str(&c.ChatDB, "CHAT_DB_PATH")
	str(&c.Timezone, "ALERT_TIMEZONE")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.LogFile, "LOG_FILE")
	str(&c.State.Driver, "STATE_DRIVER")
	str(&c.State.Path, "STATE_PATH")
	str(&c.State.Bucket, "STATE_BUCKET")
	str(&c.State.Object, "STATE_OBJECT")
	str(&c.State.credentialsJSON, "GOOGLE_CREDENTIALS_JSON")

	if v, ok := lookup("ALERT_KEYWORDS"); ok && strings.TrimSpace(v) != "" {
		c.Keywords = SplitKeywords(v)
	}
}

// SplitKeywords parses a comma-separated keyword list.
func SplitKeywords(s string) []string {
	return query.Keywords(strings.Split(s, ","))
}

// Validate checks every setting and caches the parsed forms.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.WebhookURL == "" {
			return &Error{Field: "webhook_url", Err: ErrMissingWebhook}
		}
		u, err := url.Parse(c.WebhookURL)
		if err != nil {
			return &Error{Field: "webhook_url", Err: err}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &Error{Field: "webhook_url", Err: fmt.Errorf("scheme must be http or https, got %q", u.Scheme)}
		}
	}

	w, err := alert.ParseWindow(c.Window)
	if err != nil {
		return &Error{Field: "window", Err: err}
	}
	c.window = w

	c.Keywords = query.Keywords(c.Keywords)

	if c.ChatDB == "" {
		return &Error{Field: "chat_db", Err: errors.New("path is empty")}
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return &Error{Field: "timezone", Err: err}
	}
	c.loc = loc

	c.timeout = 30 * time.Second
	if c.HTTPTimeout != "" {
		d, err := time.ParseDuration(c.HTTPTimeout)
		if err != nil || d <= 0 {
			return &Error{Field: "http_timeout", Err: fmt.Errorf("invalid duration %q", c.HTTPTimeout)}
		}
		c.timeout = d
	}

	if err := c.level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return &Error{Field: "log_level", Err: err}
	}

	switch strings.ToLower(c.State.Driver) {
	case "", storage.DriverFile, storage.DriverSQLite, "sqlite3":
		if c.State.Path == "" {
			c.State.Path = DefaultStatePath()
		}
	case storage.DriverGCS:
		if c.State.Bucket == "" {
			return &Error{Field: "state.bucket", Err: errors.New("required for the gcs driver")}
		}
		if c.State.CredentialsFile != "" {
			data, err := os.ReadFile(c.State.CredentialsFile)
			if err != nil {
				return &Error{Field: "state.credentials_file", Err: err}
			}
			c.State.credentialsJSON = string(data)
		}
	default:
		return &Error{Field: "state.driver", Err: fmt.Errorf("unknown driver %q", c.State.Driver)}
	}

	return nil
}

// Criteria builds the search criteria for a run anchored at now.
func (c *Config) Criteria(now time.Time) alert.Criteria {
	return alert.Criteria{
		Now:      now.In(c.Location()),
		Keywords: c.Keywords,
		Window:   c.window,
	}
}

// WindowSpec returns the parsed window; valid after Validate.
func (c *Config) WindowSpec() alert.Window {
	return c.window
}

// Location returns the display time zone, time.Local before Validate.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// Timeout returns the webhook request timeout.
func (c *Config) Timeout() time.Duration {
	return c.timeout
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	return c.level
}

// StorageConfig returns the state store settings; credentials are resolved by Validate.
func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:          c.State.Driver,
		Path:            c.State.Path,
		Bucket:          c.State.Bucket,
		Object:          c.State.Object,
		CredentialsJSON: c.State.credentialsJSON,
	}
}
