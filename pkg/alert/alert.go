// Package alert contains the core domain types for the interruption alert pipeline.
package alert

import "time"

// DateLayout is how message dates appear in notifications and logs.
const DateLayout = "2006-01-02 15:04:05"

// Message is a single incoming message read from the message store.
type Message struct {
	SentAt time.Time // Wall-clock time in the configured location
	ID     string    // Store row identifier, stable across runs
	Sender string    // Raw handle or group chat identifier
	Text   string    // Message body, never empty
}

// Criteria selects which messages a run is interested in.
type Criteria struct {
	Now      time.Time // Anchor for the window; zero means time.Now()
	Keywords []string  // Case-insensitive substrings, OR-combined
	Window   Window    // How far back from Now to look
}

// Report summarizes a single pipeline run.
type Report struct {
	Window   Window
	Keywords []string
	Found    int // Ranked matches inside the window
	Notified int // Delivered and recorded this run
	Skipped  int // Already recorded by an earlier run
	Failed   int // Delivery failed; left unrecorded for the next run
}
