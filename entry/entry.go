// Package entry stamps raw payloads with an id and ingestion time.
package entry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is RFC 3339 with nanoseconds and a numeric UTC offset
// e.g. 2024-05-01T10:22:03.123456789+00:00
const TimestampFormat = "2006-01-02T15:04:05.999999999-07:00"

// Record is a single stored entry. Once built it's not modified.
type Record struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Builder creates records. Zero value uses random v4 UUIDs and time.Now()
type Builder struct {
	NewID func() string
	Now   func() time.Time
}

func newUUID() string {
	return uuid.New().String()
}

// Build creates a record for payload.
// It doesn't validate payload, rejecting empty input is up to the caller.
func (b *Builder) Build(payload json.RawMessage) *Record {
	newID := newUUID
	now := time.Now
	if b != nil && b.NewID != nil {
		newID = b.NewID
	}
	if b != nil && b.Now != nil {
		now = b.Now
	}
	return &Record{
		ID:        newID(),
		Timestamp: FormatTimestamp(now()),
		Data:      append(json.RawMessage(nil), payload...),
	}
}

// FormatTimestamp formats t in UTC as ISO-8601 with explicit offset
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a timestamp created by FormatTimestamp
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var defaultBuilder = &Builder{}

// New builds a record using random UUID and current time
func New(payload json.RawMessage) *Record {
	return defaultBuilder.Build(payload)
}
