package chatdb

import (
	"database/sql/driver"
	"interruption-alerts/query"
	"strings"

	"modernc.org/sqlite"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(query.LowerFunc, 1, unicodeLower)
}

// unicodeLower folds text the same way keywords are folded before binding,
// so "COUPÉE" matches "coupée". Non-text values pass through unchanged.
func unicodeLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}
