package logdna

import (
	"fmt"
	"strings"
)

const (
	// UnknownApp is sent as app when neither file nor app can be resolved.
	// The ingest endpoint rejects lines that carry neither of them.
	UnknownApp = "<UNKNOWN>"

	defaultLevel      = "INFO"
	defaultMessageKey = "message"
	encodingErrorKey  = "encoding_error"
)

// Record is one structured log record as produced by the host pipeline.
// Params: arbitrary field names mapped to JSON-compatible values.
// Returns: open-ended record with accessors for promoted fields.
type Record map[string]any

// Line is one ingest line of the batch payload.
// Params: resolved level, timestamp, serialized record and optional identity fields.
// Returns: wire representation of one record.
type Line struct {
	Level     string  `json:"level"`
	Timestamp int64   `json:"timestamp"`
	Line      string  `json:"line"`
	File      *string `json:"file,omitempty"`
	App       *string `json:"app,omitempty"`
	Meta      any     `json:"meta,omitempty"`
}

// Batch is the request body of one ingest call.
// Params: ordered lines.
// Returns: batch payload.
type Batch struct {
	Lines []Line `json:"lines"`
}

// lookup returns a field value when it is present.
// Params: key field name.
// Returns: value and presence flag; only nil and false count as absent, "" is present.
func (r Record) lookup(key string) (any, bool) {
	value, ok := r[key]
	if !ok || value == nil {
		return nil, false
	}
	if flag, isBool := value.(bool); isBool && !flag {
		return nil, false
	}
	return value, true
}

// String returns a present field rendered as text.
// Params: key field name.
// Returns: text value and presence flag.
func (r Record) String(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	return stringify(value), true
}

// clone makes a shallow copy so sanitization never touches caller data.
func (r Record) clone() Record {
	out := make(Record, len(r)+1)
	for key, value := range r {
		out[key] = value
	}
	return out
}

// candidate is one source in an ordered defaulting chain.
type candidate func() (string, bool)

// firstPresent evaluates candidates in order.
// Params: ordered candidate sources.
// Returns: first present value and true, or "" and false.
func firstPresent(candidates ...candidate) (string, bool) {
	for _, next := range candidates {
		if value, ok := next(); ok {
			return value, true
		}
	}
	return "", false
}

func fromRecord(record Record, key string) candidate {
	return func() (string, bool) {
		return record.String(key)
	}
}

func fromValue(value string) candidate {
	return func() (string, bool) {
		return value, value != ""
	}
}

// tagSuffix returns the last non-empty dot-separated segment of tag.
func tagSuffix(tag string) candidate {
	return func() (string, bool) {
		trimmed := strings.TrimRight(tag, ".")
		if trimmed == "" {
			return "", false
		}
		if idx := strings.LastIndexByte(trimmed, '.'); idx >= 0 {
			trimmed = trimmed[idx+1:]
		}
		return trimmed, trimmed != ""
	}
}

// resolveLevel picks the line level.
// Params: tag optional line tag ("" when absent); record source record.
// Returns: level string; an absent tag always yields INFO.
func resolveLevel(tag string, record Record) string {
	if tag == "" {
		return defaultLevel
	}
	level, ok := firstPresent(
		fromRecord(record, "level"),
		fromRecord(record, "severity"),
		tagSuffix(tag),
	)
	if !ok {
		return defaultLevel
	}
	return level
}

// stringify renders promoted values that are not strings.
func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(typed)
	}
}
