package logdna

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tinylib/msgp/msgp"
)

// Entry is one buffered record with its event time.
// Params: Time unix seconds; Record source fields.
// Returns: chunk element.
type Entry struct {
	Time   int64
	Record Record
}

// Chunk is one delivery attempt worth of entries sharing a tag.
// Params: ID stable chunk identity across retries; Tag optional dotted tag; Entries in arrival order.
// Returns: unit of dispatch and persistence.
type Chunk struct {
	ID      string
	Tag     string
	Entries []Entry
}

// NewChunk creates an empty chunk with a fresh id.
// Params: tag optional dotted tag.
// Returns: empty chunk.
func NewChunk(tag string) Chunk {
	return Chunk{
		ID:  uuid.NewString(),
		Tag: tag,
	}
}

// Len returns number of buffered entries.
// Params: none.
// Returns: entry count.
func (c Chunk) Len() int {
	return len(c.Entries)
}

// MarshalMsg appends the msgpack form [id, tag, [[time, record], ...]] to b.
// Params: b destination buffer.
// Returns: extended buffer or encode error for unsupported record values.
func (c Chunk) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, c.ID)
	o = msgp.AppendString(o, c.Tag)
	o = msgp.AppendArrayHeader(o, uint32(len(c.Entries)))

	var err error
	for idx, entry := range c.Entries {
		o = msgp.AppendArrayHeader(o, 2)
		o = msgp.AppendInt64(o, entry.Time)
		o, err = msgp.AppendMapStrIntf(o, map[string]interface{}(entry.Record))
		if err != nil {
			return b, fmt.Errorf("encode entry[%d]: %w", idx, err)
		}
	}
	return o, nil
}

// UnmarshalMsg decodes a chunk produced by MarshalMsg.
// Params: bts msgpack bytes.
// Returns: remaining bytes or decode error.
func (c *Chunk) UnmarshalMsg(bts []byte) ([]byte, error) {
	size, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, fmt.Errorf("read chunk header: %w", err)
	}
	if size != 3 {
		return bts, fmt.Errorf("chunk header has %d fields, want 3", size)
	}

	if c.ID, o, err = msgp.ReadStringBytes(o); err != nil {
		return bts, fmt.Errorf("read chunk id: %w", err)
	}
	if c.Tag, o, err = msgp.ReadStringBytes(o); err != nil {
		return bts, fmt.Errorf("read chunk tag: %w", err)
	}

	count, o, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return bts, fmt.Errorf("read chunk entries: %w", err)
	}

	c.Entries = make([]Entry, 0, count)
	for idx := uint32(0); idx < count; idx++ {
		var pair uint32
		pair, o, err = msgp.ReadArrayHeaderBytes(o)
		if err != nil {
			return bts, fmt.Errorf("read entry[%d]: %w", idx, err)
		}
		if pair != 2 {
			return bts, fmt.Errorf("entry[%d] has %d fields, want 2", idx, pair)
		}

		var ts int64
		ts, o, err = msgp.ReadInt64Bytes(o)
		if err != nil {
			return bts, fmt.Errorf("read entry[%d] time: %w", idx, err)
		}

		var fields map[string]interface{}
		fields, o, err = msgp.ReadMapStrIntfBytes(o, nil)
		if err != nil {
			return bts, fmt.Errorf("read entry[%d] record: %w", idx, err)
		}

		c.Entries = append(c.Entries, Entry{Time: ts, Record: Record(fields)})
	}

	return o, nil
}
