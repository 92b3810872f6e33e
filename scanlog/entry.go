package scanlog

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is a single scan result. Immutable once created: Timestamp is when
// the tag was discovered, Summary the derived display line, RawPayload the
// exact serialized raw tag structure kept for later inspection.
type Entry struct {
	Timestamp  time.Time
	Summary    string
	RawPayload string
}

// persistedEntry is the stored JSON shape: exactly timestamp (RFC 3339),
// summary and rawPayload, matching what earlier releases wrote.
type persistedEntry struct {
	Timestamp  string `json:"timestamp"`
	Summary    string `json:"summary"`
	RawPayload string `json:"rawPayload"`
}

var errEmptyRecord = errors.New("scanlog: empty record")

// Serialize encodes the entry as one stored-list element.
func (e Entry) Serialize() (string, error) {
	out, err := json.Marshal(persistedEntry{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Summary:    e.Summary,
		RawPayload: e.RawPayload,
	})
	if err != nil {
		return "", fmt.Errorf("scanlog: serialize entry: %w", err)
	}
	return string(out), nil
}

// ParseEntry decodes one stored-list element. Malformed elements return an
// error so the loader can drop them without aborting the whole load.
func ParseEntry(s string) (Entry, error) {
	if s == "" {
		return Entry{}, errEmptyRecord
	}
	var p persistedEntry
	if err := json.UnmarshalFromString(s, &p); err != nil {
		return Entry{}, fmt.Errorf("scanlog: parse entry: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("scanlog: parse timestamp %q: %w", p.Timestamp, err)
	}
	return Entry{Timestamp: ts, Summary: p.Summary, RawPayload: p.RawPayload}, nil
}
