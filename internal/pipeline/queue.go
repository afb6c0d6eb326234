package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"logshipper/internal/logdna"
)

const (
	chunkHeaderSize    = 4 + 8 // uint32 payload length + int64 enqueue unix sec
	offsetSyncAckBatch = 128
	offsetSyncInterval = 2 * time.Second
)

var (
	errQueueEmpty = errors.New("queue is empty")
	errQueueFull  = errors.New("queue limits reached; rejecting chunk")
)

// queuedChunk is one chunk read from the queue head.
type queuedChunk struct {
	chunk    logdna.Chunk
	size     int64
	enqueued int64
	// decodeErr is set when the payload is unreadable; Ack still skips it.
	decodeErr error
}

// DiskQueue persists undelivered chunks in an append-only file with a separate read offset.
// Params: directory and queue limits.
// Returns: queue instance with persisted state.
type DiskQueue struct {
	mu sync.Mutex

	dataPath   string
	offsetPath string

	dataFile   *os.File
	offsetFile *os.File

	maxChunks uint64
	maxAge    time.Duration

	offset   int64
	pending  uint64
	oldest   int64
	fileSize int64

	offsetDirty    bool
	ackSinceSync   uint64
	lastOffsetSync time.Time

	now func() time.Time
}

// OpenDiskQueue opens/creates queue files and restores persisted offsets.
// Params: dir queue directory; maxChunks/maxAge limits, zero disables a limit.
// Returns: initialized queue or error.
func OpenDiskQueue(dir string, maxChunks uint64, maxAge time.Duration) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %q: %w", dir, err)
	}

	q := &DiskQueue{
		dataPath:   filepath.Join(dir, "chunks.bin"),
		offsetPath: filepath.Join(dir, "offset.bin"),
		maxChunks:  maxChunks,
		maxAge:     maxAge,
		now:        time.Now,
	}

	dataFile, err := os.OpenFile(q.dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue data file: %w", err)
	}
	offsetFile, err := os.OpenFile(q.offsetPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = dataFile.Close()
		return nil, fmt.Errorf("open queue offset file: %w", err)
	}
	q.dataFile = dataFile
	q.offsetFile = offsetFile

	if err := q.loadOffset(); err != nil {
		_ = q.closeFiles()
		return nil, err
	}
	if err := q.reindex(); err != nil {
		_ = q.closeFiles()
		return nil, err
	}
	q.lastOffsetSync = q.now()

	return q, nil
}

// Enqueue appends one chunk to the queue tail if limits allow.
// Params: chunk to persist as msgpack.
// Returns: nil on append, errQueueFull when limits reached, or encode/IO error.
func (q *DiskQueue) Enqueue(chunk logdna.Chunk) error {
	payload, err := chunk.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("encode chunk %s: %w", chunk.ID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil {
		return fmt.Errorf("queue data file is not initialized")
	}
	nowUnix := q.now().Unix()
	if err := q.rejectByLimits(nowUnix); err != nil {
		return err
	}

	record := make([]byte, chunkHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(record[4:12], uint64(nowUnix))
	copy(record[chunkHeaderSize:], payload)

	if _, err := q.dataFile.WriteAt(record, q.fileSize); err != nil {
		// a partial write leaves a torn tail; reindex truncates it on next open
		return fmt.Errorf("write queued chunk: %w", err)
	}

	q.fileSize += int64(len(record))
	q.pending++
	if q.pending == 1 {
		q.oldest = nowUnix
	}
	return nil
}

// Peek reads the chunk at the queue head without consuming it.
// Params: none.
// Returns: head chunk, or errQueueEmpty.
func (q *DiskQueue) Peek() (queuedChunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peekLocked()
}

// Ack consumes the head chunk returned by Peek and advances the read offset.
// Params: consumed chunk from Peek.
// Returns: nil or persistence/IO error.
func (q *DiskQueue) Ack(consumed queuedChunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if consumed.size <= 0 {
		return fmt.Errorf("ack requires positive consumed size")
	}
	if q.pending == 0 {
		return fmt.Errorf("ack on empty queue")
	}

	q.offset = min(q.offset+consumed.size, q.fileSize)
	q.pending--
	q.offsetDirty = true
	q.ackSinceSync++

	if q.pending == 0 {
		return q.resetFiles()
	}
	if err := q.syncOffsetMaybe(false); err != nil {
		return err
	}

	if created, _, err := q.readHeader(q.offset); err == nil {
		q.oldest = created
	}
	return nil
}

// Pending returns the number of queued chunks.
// Params: none.
// Returns: pending chunk count.
func (q *DiskQueue) Pending() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close flushes the read offset and closes queue files.
// Params: none.
// Returns: nil or close/flush error.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dataFile == nil && q.offsetFile == nil {
		return nil
	}
	if err := q.syncOffsetMaybe(true); err != nil {
		_ = q.closeFiles()
		return err
	}
	return q.closeFiles()
}

func (q *DiskQueue) loadOffset() error {
	var data [8]byte
	n, err := q.offsetFile.ReadAt(data[:], 0)
	if errors.Is(err, io.EOF) && n == 0 {
		q.offset = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue offset: %w", err)
	}

	q.offset = max(int64(binary.LittleEndian.Uint64(data[:])), 0)
	return nil
}

func (q *DiskQueue) storeOffset() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(q.offset))
	if _, err := q.offsetFile.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write queue offset: %w", err)
	}
	if err := q.offsetFile.Truncate(8); err != nil {
		return fmt.Errorf("truncate queue offset: %w", err)
	}
	if err := q.offsetFile.Sync(); err != nil {
		return fmt.Errorf("sync queue offset: %w", err)
	}
	q.offsetDirty = false
	q.ackSinceSync = 0
	q.lastOffsetSync = q.now()
	return nil
}

// syncOffsetMaybe persists the offset every offsetSyncAckBatch acks or offsetSyncInterval.
func (q *DiskQueue) syncOffsetMaybe(force bool) error {
	if !q.offsetDirty {
		return nil
	}
	if !force && q.ackSinceSync < offsetSyncAckBatch && q.now().Sub(q.lastOffsetSync) < offsetSyncInterval {
		return nil
	}
	return q.storeOffset()
}

// reindex counts records after the persisted offset and cuts a torn tail.
func (q *DiskQueue) reindex() error {
	info, err := q.dataFile.Stat()
	if err != nil {
		return fmt.Errorf("stat queue data for reindex: %w", err)
	}
	q.fileSize = info.Size()
	if q.offset > q.fileSize {
		q.offset = 0
		if err := q.storeOffset(); err != nil {
			return err
		}
	}

	q.pending = 0
	q.oldest = 0
	position := q.offset
	for position < q.fileSize {
		created, payloadSize, err := q.readHeader(position)
		if err != nil || payloadSize == 0 || position+chunkHeaderSize+payloadSize > q.fileSize {
			if err := q.truncateTail(position); err != nil {
				return err
			}
			break
		}
		if q.pending == 0 {
			q.oldest = created
		}
		q.pending++
		position += chunkHeaderSize + payloadSize
	}

	if q.pending == 0 && q.fileSize > 0 {
		return q.resetFiles()
	}
	return nil
}

func (q *DiskQueue) truncateTail(position int64) error {
	if err := q.dataFile.Truncate(position); err != nil {
		return fmt.Errorf("truncate corrupted queue tail at %d: %w", position, err)
	}
	q.fileSize = position
	return nil
}

// rejectByLimits refuses new chunks when count or head age is over limit.
func (q *DiskQueue) rejectByLimits(now int64) error {
	if q.maxChunks > 0 && q.pending >= q.maxChunks {
		return errQueueFull
	}
	if q.maxAge > 0 && q.pending > 0 && q.oldest > 0 {
		if time.Duration(now-q.oldest)*time.Second >= q.maxAge {
			return errQueueFull
		}
	}
	return nil
}

// readHeader returns enqueue time and payload size of the record at position.
func (q *DiskQueue) readHeader(position int64) (int64, int64, error) {
	var header [chunkHeaderSize]byte
	if _, err := q.dataFile.ReadAt(header[:], position); err != nil {
		return 0, 0, err
	}
	payloadSize := int64(binary.LittleEndian.Uint32(header[0:4]))
	created := int64(binary.LittleEndian.Uint64(header[4:12]))
	return created, payloadSize, nil
}

func (q *DiskQueue) peekLocked() (queuedChunk, error) {
	if q.dataFile == nil {
		return queuedChunk{}, fmt.Errorf("queue data file is not initialized")
	}
	if q.pending == 0 || q.offset >= q.fileSize {
		return queuedChunk{}, errQueueEmpty
	}

	created, payloadSize, err := q.readHeader(q.offset)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return queuedChunk{}, errQueueEmpty
		}
		return queuedChunk{}, fmt.Errorf("read queue header: %w", err)
	}
	if q.offset+chunkHeaderSize+payloadSize > q.fileSize {
		return queuedChunk{}, fmt.Errorf("queued chunk exceeds file size at offset %d", q.offset)
	}

	payload := make([]byte, payloadSize)
	if _, err := q.dataFile.ReadAt(payload, q.offset+chunkHeaderSize); err != nil {
		return queuedChunk{}, fmt.Errorf("read queued chunk: %w", err)
	}

	out := queuedChunk{size: chunkHeaderSize + payloadSize, enqueued: created}
	if _, err := out.chunk.UnmarshalMsg(payload); err != nil {
		out.decodeErr = fmt.Errorf("decode queued chunk at offset %d: %w", q.offset, err)
	}
	return out, nil
}

// resetFiles truncates both files once every chunk is consumed.
func (q *DiskQueue) resetFiles() error {
	if err := q.dataFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate queue data: %w", err)
	}
	q.fileSize = 0
	q.offset = 0
	q.pending = 0
	q.oldest = 0
	q.offsetDirty = true
	return q.storeOffset()
}

func (q *DiskQueue) closeFiles() error {
	var firstErr error
	if q.dataFile != nil {
		if err := q.dataFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queue data file: %w", err)
		}
		q.dataFile = nil
	}
	if q.offsetFile != nil {
		if err := q.offsetFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queue offset file: %w", err)
		}
		q.offsetFile = nil
	}
	return firstErr
}
