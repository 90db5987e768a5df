package utils

import (
	"time"
)

// GetTime returns the current time. Useful for mocking in tests.
func GetTime() time.Time {
	return time.Now()
}

// GetSQLTime returns the current time in UTC for database storage.
func GetSQLTime() time.Time {
	return time.Now().UTC()
}

// NowMillis returns the current time as milliseconds since the epoch, the unit
// used for every stored timestamp.
func NowMillis() int64 {
	return GetTime().UnixMilli()
}

// ToISOString formats a millisecond timestamp as an RFC 3339 UTC string with
// millisecond precision.
func ToISOString(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
