package database

import (
	"database/sql"
	"time"
)

// Timestamps are stored as unix nanoseconds so that ordering comparisons
// between commitments and case events keep sub-second precision.

// ToNanos converts t to its storage form.
func ToNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// FromNanos converts a stored value back to UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// NullNanos converts an optional time to its storage form.
func NullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ToNanos(*t), Valid: true}
}

// TimePtr converts a nullable stored value to an optional time.
func TimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := FromNanos(n.Int64)
	return &t
}
