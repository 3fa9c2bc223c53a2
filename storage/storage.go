// Package storage handles persistence of notification state.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Store records which messages have already been notified.
// Record is add-if-absent: repeated calls for the same ID are harmless.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, id string) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverGCS    = "gcs"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("storage: store closed")

// Config selects and configures a backend.
type Config struct {
	Driver          string // file (default), sqlite or gcs
	Path            string // file and sqlite: local path
	Bucket          string // gcs: bucket name
	Object          string // gcs: object name holding the ID list
	CredentialsJSON string // gcs: optional service account JSON; ADC otherwise
}

// Open initializes the configured store, creating empty state if none exists yet.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverFile:
		return openFile(cfg.Path, logger)
	case DriverSQLite, "sqlite3":
		return openSQLite(ctx, cfg.Path, logger)
	case DriverGCS:
		return openGCS(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

// ParseIDs reads a newline-delimited ID list, skipping blank lines.
func ParseIDs(r io.Reader) ([]string, error) {
	var ids []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		if id := strings.TrimSpace(s.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, s.Err()
}

func encodeIDs(ids []string) []byte {
	var b bytes.Buffer
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("storage: empty message id")
	}
	if strings.ContainsAny(id, "\r\n") {
		return "", fmt.Errorf("storage: message id %q contains a line break", id)
	}
	return id, nil
}
