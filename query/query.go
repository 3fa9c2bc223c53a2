// Package query builds the keyword window search over the Messages database.
package query

import (
	"database/sql"
	"fmt"
	"interruption-alerts/pkg/alert"
	"strings"
	"time"
)

// Binding is a single named placeholder and its value.
type Binding struct {
	Value any
	Name  string
}

// Query is a parameterized SQL statement ready to run against chat.db.
type Query struct {
	SQL      string
	Bindings []Binding
}

// Args returns the bindings as sql.Named arguments.
func (q *Query) Args() []any {
	args := make([]any, 0, len(q.Bindings))
	for _, b := range q.Bindings {
		args = append(args, sql.Named(b.Name, b.Value))
	}
	return args
}

// storeNanos normalizes message.date to nanoseconds since 2001-01-01.
// Databases written since macOS 10.13 store nanoseconds; older ones store seconds.
const storeNanos = `(CASE WHEN message.date > 100000000000 THEN message.date ELSE message.date * 1000000000 END)`

// LowerFunc names the Unicode-aware lowercase SQL function the search folds text with.
// The built-in LOWER only folds ASCII. The database layer registers it with the driver.
const LowerFunc = "unicode_lower"

const selectTemplate = `
SELECT
	message.ROWID AS id,
	COALESCE(NULLIF(handle.uncanonicalized_id, ''), NULLIF(handle.id, ''), chat.chat_identifier, '') AS sender,
	%[1]s AS sent_at,
	message.text AS text
FROM message
	LEFT JOIN chat_message_join ON chat_message_join.message_id = message.ROWID
	LEFT JOIN chat ON chat.ROWID = chat_message_join.chat_id
	LEFT JOIN handle ON message.handle_id = handle.ROWID
WHERE
	message.is_from_me = 0
	AND message.text IS NOT NULL
	AND length(message.text) > 0
	AND (%[2]s)
	AND %[1]s BETWEEN :window_start AND :window_end
ORDER BY sent_at DESC, message.ROWID DESC`

// Build constructs the search for the given criteria.
// A criteria with no usable keywords produces a query that matches nothing.
func Build(c alert.Criteria) (*Query, error) {
	if err := c.Window.Validate(); err != nil {
		return nil, err
	}

	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	start := now.Add(-c.Window.Duration())

	var conds []string
	var bindings []Binding
	for _, kw := range Keywords(c.Keywords) {
		name := fmt.Sprintf("kw%d", len(conds))
		conds = append(conds, fmt.Sprintf(`%s(message.text) LIKE :%s ESCAPE '\'`, LowerFunc, name))
		bindings = append(bindings, Binding{Name: name, Value: "%" + escapeLike(strings.ToLower(kw)) + "%"})
	}

	keywordCond := "0"
	if len(conds) > 0 {
		keywordCond = strings.Join(conds, " OR ")
	}

	bindings = append(bindings,
		Binding{Name: "window_start", Value: alert.ToStoreNanos(start)},
		Binding{Name: "window_end", Value: alert.ToStoreNanos(now)},
	)

	return &Query{
		SQL:      fmt.Sprintf(selectTemplate, storeNanos, keywordCond),
		Bindings: bindings,
	}, nil
}

// Keywords trims the input and drops blank entries, which would otherwise match every message.
func Keywords(in []string) []string {
	var out []string
	for _, kw := range in {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// escapeLike escapes LIKE wildcard characters (% and _) in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`) // Escape backslash first
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
