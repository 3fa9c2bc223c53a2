package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notified (
	id          TEXT PRIMARY KEY,
	notified_at TEXT NOT NULL
);`

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
}

func openSQLite(ctx context.Context, path string, logger *slog.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notified`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("count notified: %w", err)
	}

	logger.Info("Notification state loaded", "driver", DriverSQLite, "path", path, "records", count)
	return &sqliteStore{db: db, logger: logger, path: path}, nil
}

func (s *sqliteStore) Has(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notified WHERE id = ?`, strings.TrimSpace(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup notified: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) Record(ctx context.Context, id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	if s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notified (id, notified_at) VALUES (?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("Notification recorded", "driver", DriverSQLite, "path", s.path, "message_id", id)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
