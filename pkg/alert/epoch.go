package alert

import "time"

// AppleEpochOffset is the number of seconds between the Unix epoch and 2001-01-01 UTC,
// the epoch the Messages database uses for message dates.
const AppleEpochOffset = 978307200

const nanosPerSecond = int64(time.Second)

// FromStoreSeconds converts a store timestamp (seconds since 2001-01-01) to wall-clock time.
func FromStoreSeconds(secs int64, loc *time.Location) time.Time {
	return inLocation(time.Unix(secs+AppleEpochOffset, 0), loc)
}

// ToStoreSeconds converts a point in time to whole seconds since 2001-01-01.
func ToStoreSeconds(t time.Time) int64 {
	return t.Unix() - AppleEpochOffset
}

// FromStoreNanos converts a store timestamp in nanoseconds since 2001-01-01 to wall-clock time.
func FromStoreNanos(nanos int64, loc *time.Location) time.Time {
	return inLocation(time.Unix(AppleEpochOffset, nanos), loc)
}

// ToStoreNanos converts a point in time to nanoseconds since 2001-01-01, keeping
// sub-second precision.
func ToStoreNanos(t time.Time) int64 {
	return ToStoreSeconds(t)*nanosPerSecond + int64(t.Nanosecond())
}

func inLocation(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		return t.In(loc)
	}
	return t
}
