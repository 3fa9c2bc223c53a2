package alert

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Unit is a window unit as written in configuration ("hour", "day", ...).
type Unit string

// Supported window units.
const (
	Second Unit = "second"
	Minute Unit = "minute"
	Hour   Unit = "hour"
	Day    Unit = "day"
	Week   Unit = "week"
)

var unitDurations = map[Unit]time.Duration{
	Second: time.Second,
	Minute: time.Minute,
	Hour:   time.Hour,
	Day:    24 * time.Hour,
	Week:   7 * 24 * time.Hour,
}

var unitAliases = map[string]Unit{
	"s": Second, "sec": Second, "secs": Second, "second": Second, "seconds": Second,
	"m": Minute, "min": Minute, "mins": Minute, "minute": Minute, "minutes": Minute,
	"h": Hour, "hr": Hour, "hrs": Hour, "hour": Hour, "hours": Hour,
	"d": Day, "day": Day, "days": Day,
	"w": Week, "week": Week, "weeks": Week,
}

// Window is a look-back period anchored to "now".
type Window struct {
	Unit  Unit
	Value int
}

// ErrInvalidWindow is returned for windows that cannot be parsed or are not positive.
var ErrInvalidWindow = errors.New("invalid time window")

// ParseWindow parses "1 hour", "24 hours", "7 days", "90m" or "1h".
func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Window{}, fmt.Errorf("%w: empty", ErrInvalidWindow)
	}

	// Split the leading digits from the unit so "1 hour" and "1h" parse the same way.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return Window{}, fmt.Errorf("%w: %q has no value", ErrInvalidWindow, s)
	}
	value, err := strconv.Atoi(s[:i])
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q: %w", ErrInvalidWindow, s, err)
	}
	unit, ok := unitAliases[strings.TrimSpace(s[i:])]
	if !ok {
		return Window{}, fmt.Errorf("%w: unknown unit in %q", ErrInvalidWindow, s)
	}

	w := Window{Value: value, Unit: unit}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate reports whether the window is usable for a query.
func (w Window) Validate() error {
	if w.Value <= 0 {
		return fmt.Errorf("%w: value must be positive, got %d", ErrInvalidWindow, w.Value)
	}
	d, ok := unitDurations[w.Unit]
	if !ok {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidWindow, w.Unit)
	}
	if int64(w.Value) > math.MaxInt64/int64(d) {
		return fmt.Errorf("%w: %s is too long", ErrInvalidWindow, w)
	}
	return nil
}

// Duration converts the window to a time.Duration.
func (w Window) Duration() time.Duration {
	return time.Duration(w.Value) * unitDurations[w.Unit]
}

// String renders the window the way the log summary prints it, e.g. "1 hour" or "7 days".
func (w Window) String() string {
	if w.Value == 1 {
		return fmt.Sprintf("1 %s", w.Unit)
	}
	return fmt.Sprintf("%d %ss", w.Value, w.Unit)
}
