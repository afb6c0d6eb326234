package logdna

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Transformer converts host records into ingest lines.
// Params: static defaults for app/file and message handling.
// Returns: stateless transformer safe for concurrent use.
type Transformer struct {
	defaultApp  string
	defaultFile string
	messageKey  string
	charset     encoding.Encoding
}

// NewTransformer builds a transformer from static config.
// Params: cfg output config; only App, File, MessageKey and MessageCharset are used.
// Returns: transformer or error when the message charset is unknown.
func NewTransformer(cfg Config) (*Transformer, error) {
	t := &Transformer{
		defaultApp:  strings.TrimSpace(cfg.App),
		defaultFile: strings.TrimSpace(cfg.File),
		messageKey:  strings.TrimSpace(cfg.MessageKey),
	}
	if t.messageKey == "" {
		t.messageKey = defaultMessageKey
	}

	if name := strings.TrimSpace(cfg.MessageCharset); name != "" {
		enc, err := htmlindex.Get(name)
		if err != nil {
			return nil, fmt.Errorf("message charset %q: %w", name, err)
		}
		t.charset = enc
	}

	return t, nil
}

// Transform builds one ingest line from a record.
// Params: tag optional dotted tag ("" when absent); timestamp record time in seconds; record source fields.
// Returns: ingest line; never fails.
func (t *Transformer) Transform(tag string, timestamp int64, record Record) Line {
	sanitized := t.sanitize(record)

	line := Line{
		Level:     resolveLevel(tag, sanitized),
		Timestamp: timestamp,
		Line:      serializeRecord(sanitized),
	}

	if file, ok := firstPresent(
		fromRecord(sanitized, "file"),
		fromValue(t.defaultFile),
	); ok {
		line.File = &file
	}
	if app, ok := firstPresent(
		fromRecord(sanitized, "_app"),
		fromRecord(sanitized, "app"),
		fromValue(t.defaultApp),
	); ok {
		line.App = &app
	}
	if line.File == nil && line.App == nil {
		app := UnknownApp
		line.App = &app
	}

	if meta, ok := sanitized["meta"]; ok && meta != nil {
		line.Meta = meta
	}

	return line
}

// TransformChunk builds lines for every chunk entry in order.
// Params: chunk tagged entries.
// Returns: ingest lines with the same order as chunk entries.
func (t *Transformer) TransformChunk(chunk Chunk) []Line {
	lines := make([]Line, 0, len(chunk.Entries))
	for _, entry := range chunk.Entries {
		lines = append(lines, t.Transform(chunk.Tag, entry.Time, entry.Record))
	}
	return lines
}

// sanitize guarantees the message field is valid UTF-8.
// Params: record source record.
// Returns: the same record when nothing changes, or a flagged copy.
func (t *Transformer) sanitize(record Record) Record {
	if record == nil {
		return Record{}
	}

	raw, ok := record[t.messageKey]
	if !ok {
		return record
	}

	switch message := raw.(type) {
	case string:
		if utf8.ValidString(message) {
			return record
		}
		out := record.clone()
		out[t.messageKey] = t.decodeLossy([]byte(message))
		out[encodingErrorKey] = true
		return out
	case []byte:
		out := record.clone()
		if utf8.Valid(message) {
			out[t.messageKey] = string(message)
			return out
		}
		out[t.messageKey] = t.decodeLossy(message)
		out[encodingErrorKey] = true
		return out
	default:
		return record
	}
}

// decodeLossy re-decodes raw message bytes, replacing what cannot be decoded with U+FFFD.
// Params: raw message bytes.
// Returns: valid UTF-8 text.
func (t *Transformer) decodeLossy(raw []byte) string {
	if t.charset != nil {
		decoded, err := t.charset.NewDecoder().Bytes(raw)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}

	decoded, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(decoded)
}

// serializeRecord encodes the record as JSON text.
// Params: record sanitized record.
// Returns: JSON text; unencodable fields are replaced by their text form and flagged.
func serializeRecord(record Record) string {
	encoded, err := marshalNoEscape(record)
	if err == nil {
		return encoded
	}

	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fallback := make(Record, len(record)+1)
	for _, key := range keys {
		value := record[key]
		if _, fieldErr := marshalNoEscape(value); fieldErr != nil {
			fallback[key] = strings.ToValidUTF8(fmt.Sprint(value), string(utf8.RuneError))
			continue
		}
		fallback[key] = value
	}
	fallback[encodingErrorKey] = true

	encoded, err = marshalNoEscape(fallback)
	if err != nil {
		// Every field marshals on its own at this point; keep the line valid JSON regardless.
		quoted, _ := json.Marshal(fmt.Sprint(record))
		return `{"encoding_error":true,"message":` + string(quoted) + `}`
	}
	return encoded
}

// marshalNoEscape encodes value as compact JSON without HTML escaping.
func marshalNoEscape(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
