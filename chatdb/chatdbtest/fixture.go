// Package chatdbtest builds throwaway Messages databases for tests.
package chatdbtest

import (
	"database/sql"
	"interruption-alerts/pkg/alert"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// The subset of the Messages schema the search touches.
const schema = `
CREATE TABLE handle (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	uncanonicalized_id TEXT
);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_identifier TEXT
);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
	text TEXT,
	handle_id INTEGER DEFAULT 0,
	date INTEGER,
	is_from_me INTEGER DEFAULT 0
);
CREATE TABLE chat_message_join (
	chat_id INTEGER REFERENCES chat (ROWID),
	message_id INTEGER REFERENCES message (ROWID),
	PRIMARY KEY (chat_id, message_id)
);`

// Message describes a row to insert.
type Message struct {
	At       time.Time
	Handle   string // Individual sender; empty for group-only messages
	Chat     string // chat_identifier; empty for none
	Text     string
	FromMe   bool
	NullText bool
	Seconds  bool // Store the date in seconds instead of nanoseconds
}

// DB is a writable fixture database.
type DB struct {
	t    testing.TB
	db   *sql.DB
	Path string
}

// New creates an empty Messages database in a temporary directory.
func New(t testing.TB) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create fixture schema: %v", err)
	}
	return &DB{t: t, db: db, Path: path}
}

// Insert adds a message and returns its ROWID as the string ID the search reports.
func (f *DB) Insert(m Message) string {
	f.t.Helper()

	var handleID int64
	if m.Handle != "" {
		res, err := f.db.Exec(`INSERT INTO handle (id, uncanonicalized_id) VALUES (?, ?)`, m.Handle, m.Handle)
		if err != nil {
			f.t.Fatalf("insert handle: %v", err)
		}
		handleID, _ = res.LastInsertId()
	}

	date := alert.ToStoreNanos(m.At)
	if m.Seconds {
		date = alert.ToStoreSeconds(m.At)
	}
	var text any = m.Text
	if m.NullText {
		text = nil
	}
	fromMe := 0
	if m.FromMe {
		fromMe = 1
	}

	res, err := f.db.Exec(`INSERT INTO message (text, handle_id, date, is_from_me) VALUES (?, ?, ?, ?)`,
		text, handleID, date, fromMe)
	if err != nil {
		f.t.Fatalf("insert message: %v", err)
	}
	msgID, _ := res.LastInsertId()

	if m.Chat != "" {
		res, err := f.db.Exec(`INSERT INTO chat (chat_identifier) VALUES (?)`, m.Chat)
		if err != nil {
			f.t.Fatalf("insert chat: %v", err)
		}
		chatID, _ := res.LastInsertId()
		if _, err := f.db.Exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`, chatID, msgID); err != nil {
			f.t.Fatalf("insert chat_message_join: %v", err)
		}
	}

	return strconv.FormatInt(msgID, 10)
}
