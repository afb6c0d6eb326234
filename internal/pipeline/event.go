package pipeline

import "logshipper/internal/logdna"

// Event is one tagged record received by an input.
// Params: routing tag, receive time in unix seconds and record fields.
// Returns: one record event.
type Event struct {
	Tag    string
	Time   int64
	Record logdna.Record
}
