// Package chatdb reads incoming messages from the macOS Messages database.
package chatdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"interruption-alerts/pkg/alert"
	"interruption-alerts/query"
	"log/slog"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// AccessError indicates the database file could not be opened for reading.
type AccessError struct {
	Err    error
	Path   string
	Reason string
	Diag   Diagnostics
}

func (e *AccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("messages database %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("messages database %s: %s", e.Path, e.Reason)
}

func (e *AccessError) Unwrap() error { return e.Err }

// QueryError indicates the search failed inside the database.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query messages database: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// DB is a read-only handle on chat.db.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
	loc    *time.Location
}

// Open checks that path is a readable file and opens it read-only.
// Timestamps of returned messages are converted to loc.
func Open(ctx context.Context, path string, loc *time.Location, logger *slog.Logger) (*DB, error) {
	diag := Diagnose(path)
	logger.Info("Messages database diagnostics",
		"path", path,
		"exists", diag.Exists,
		"readable", diag.Readable,
		"permissions", diag.Mode,
		"owner", diag.Owner,
		"user", diag.User)

	if !diag.Exists {
		return nil, &AccessError{Path: path, Reason: "file does not exist", Diag: diag, Err: diag.Err}
	}
	if !diag.Readable {
		return nil, &AccessError{Path: path, Reason: "file is not readable", Diag: diag, Err: diag.Err}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, &AccessError{Path: path, Reason: "open failed", Diag: diag, Err: err}
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &AccessError{Path: path, Reason: "connection failed", Diag: diag, Err: err}
	}

	if loc == nil {
		loc = time.Local
	}
	logger.Info("Successfully connected to the messages database", "path", path)
	return &DB{db: db, logger: logger, loc: loc}, nil
}

// dsn builds a read-only URI. The Messages app keeps the database open, so a busy
// timeout is set rather than failing on the first lock.
func dsn(path string) string {
	v := url.Values{}
	v.Set("mode", "ro")
	v.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + v.Encode()
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Search runs the keyword window query and returns every match, newest first.
func (d *DB) Search(ctx context.Context, c alert.Criteria) ([]*alert.Message, error) {
	q, err := query.Build(c)
	if err != nil {
		return nil, &QueryError{Err: err}
	}

	d.logger.Debug("Executing message query",
		"keywords", query.Keywords(c.Keywords),
		"window", c.Window.String(),
		"bindings", len(q.Bindings))

	var msgs []*alert.Message
	err = retry.Do(
		func() error {
			var runErr error
			msgs, runErr = d.run(ctx, q)
			if runErr != nil && !isBusy(runErr) {
				return retry.Unrecoverable(runErr)
			}
			return runErr
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			d.logger.Info("Messages database busy, retrying query", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, &QueryError{Err: err}
	}

	d.logger.Info("Query executed successfully", "matches", len(msgs))
	return msgs, nil
}

func (d *DB) run(ctx context.Context, q *query.Query) ([]*alert.Message, error) {
	rows, err := d.db.QueryContext(ctx, q.SQL, q.Args()...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			d.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var msgs []*alert.Message
	for rows.Next() {
		var (
			id     int64
			sender string
			nanos  int64
			text   string
		)
		if err := rows.Scan(&id, &sender, &nanos, &text); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		msgs = append(msgs, &alert.Message{
			ID:     strconv.FormatInt(id, 10),
			Sender: sender,
			SentAt: alert.FromStoreNanos(nanos, d.loc),
			Text:   text,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// Diagnostics describes the database file as seen by the current process.
type Diagnostics struct {
	Err      error
	Mode     string
	Owner    string
	User     string
	Exists   bool
	Readable bool
}

// Diagnose stats and probes path without opening it as a database.
func Diagnose(path string) Diagnostics {
	d := Diagnostics{User: currentUser()}

	info, err := os.Stat(path)
	if err != nil {
		d.Err = err
		return d
	}
	d.Exists = true
	d.Mode = fmt.Sprintf("%04o", info.Mode().Perm())
	d.Owner = fileOwner(info)

	f, err := os.Open(path)
	if err != nil {
		d.Err = err
		return d
	}
	_ = f.Close()
	d.Readable = true
	return d
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
