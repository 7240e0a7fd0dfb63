// Package uuidv7utils provides helpers for time-ordered UUIDv7 identifiers.
// Job IDs are UUIDv7 so listings sort by creation time without a separate
// sequence column.
package uuidv7utils

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// UUID7 generates a new UUIDv7 and returns it.
func UUID7() uuid.UUID {
	uuidv7, _ := uuid.NewV7()
	return uuidv7
}

// GetTimestampFromUUID extracts the timestamp from a UUIDv7 and returns it as a time.Time.
func GetTimestampFromUUID(u uuid.UUID) time.Time {
	tsMillis := binary.BigEndian.Uint64(u[0:8]) >> 16 // Top 48 bits = timestamp in milliseconds
	return time.UnixMilli(int64(tsMillis))
}

// IsBefore returns true if a was created before b.
func IsBefore(a, b uuid.UUID) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
