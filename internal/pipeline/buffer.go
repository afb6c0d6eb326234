package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"logshipper/internal/config"
	"logshipper/internal/logdna"
)

const (
	minFlushTick = 10 * time.Millisecond
	maxFlushTick = time.Second
)

// ChunkSender delivers one chunk to the ingest endpoint.
// Params: context and chunk.
// Returns: nil on delivery, *logdna.DeliveryError otherwise.
type ChunkSender interface {
	Send(ctx context.Context, chunk logdna.Chunk) error
}

// BufferOptions are runtime settings of one Buffer.
// Params: chunk limits, retry cadence, send timeout and drop conditions.
// Returns: options value.
type BufferOptions struct {
	MaxRecords    uint64
	MaxAge        time.Duration
	RetryInterval time.Duration
	SendTimeout   time.Duration
	InputBuffer   int
	Drop          []DropCondition
}

// Buffer groups events into per-tag chunks and hands them to a ChunkSender.
// Failed temporary deliveries are persisted in DiskQueue and retried.
// Params: options, optional queue, sender.
// Returns: sink implementation with its own worker goroutine.
type Buffer struct {
	opts   BufferOptions
	logger *slog.Logger
	target atomic.Pointer[deliveryTarget]
	queue  *DiskQueue

	input chan []Event
	done  chan struct{}

	pending map[string]*openChunk

	statsMu sync.Mutex
	stats   BufferStats
}

// BufferStats counts chunk outcomes.
type BufferStats struct {
	Delivered uint64
	Queued    uint64
	Dropped   uint64
	Filtered  uint64
}

// deliveryTarget pairs a sender with its per-attempt timeout.
type deliveryTarget struct {
	sender  ChunkSender
	timeout time.Duration
}

type openChunk struct {
	chunk   logdna.Chunk
	started time.Time
}

// NewBufferFromConfig builds options from the [buffer] section and starts the buffer.
// Params: ctx lifecycle; cfg buffer section; sendTimeout per attempt; logger; sender.
// Returns: running buffer or error.
func NewBufferFromConfig(
	ctx context.Context,
	cfg config.BufferConfig,
	sendTimeout time.Duration,
	logger *slog.Logger,
	sender ChunkSender,
) (*Buffer, error) {
	drop, err := compileDropConditions(cfg.DropRecord)
	if err != nil {
		return nil, err
	}

	var queue *DiskQueue
	if cfg.Queue.Enabled {
		queue, err = OpenDiskQueue(cfg.Queue.Dir, cfg.Queue.MaxChunks, cfg.Queue.MaxAge.Duration)
		if err != nil {
			return nil, fmt.Errorf("init queue: %w", err)
		}
	}

	return NewBuffer(ctx, BufferOptions{
		MaxRecords:    cfg.MaxRecords,
		MaxAge:        cfg.MaxAge.Duration,
		RetryInterval: cfg.RetryInterval.Duration,
		SendTimeout:   sendTimeout,
		InputBuffer:   cfg.InputBuffer,
		Drop:          drop,
	}, queue, logger, sender)
}

// NewBuffer starts the buffer worker loop.
// Params: ctx lifecycle; opts limits; queue optional disk queue owned by the buffer; logger; sender.
// Returns: running buffer or error.
func NewBuffer(ctx context.Context, opts BufferOptions, queue *DiskQueue, logger *slog.Logger, sender ChunkSender) (*Buffer, error) {
	if sender == nil {
		if queue != nil {
			_ = queue.Close()
		}
		return nil, fmt.Errorf("chunk sender is nil")
	}
	if opts.InputBuffer <= 0 {
		opts.InputBuffer = 1
	}

	b := &Buffer{
		opts:    opts,
		logger:  logger,
		queue:   queue,
		input:   make(chan []Event, opts.InputBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]*openChunk),
	}
	b.target.Store(&deliveryTarget{sender: sender, timeout: opts.SendTimeout})
	go b.run(ctx)
	return b, nil
}

// Consume filters a batch and hands the kept events to the worker in one step.
// Params: ctx consume context; events of one request.
// Returns: context error while waiting for backpressure, or errBufferClosed after shutdown;
// a batch is either accepted whole or not at all.
func (b *Buffer) Consume(ctx context.Context, events []Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-b.done:
		return errBufferClosed
	default:
	}

	kept := make([]Event, 0, len(events))
	for _, event := range events {
		if !shouldDropRecord(b.opts.Drop, event) {
			kept = append(kept, event)
		}
	}
	if len(kept) == 0 {
		b.count(func(s *BufferStats) { s.Filtered += uint64(len(events)) })
		return nil
	}

	select {
	case b.input <- kept:
		if filtered := len(events) - len(kept); filtered > 0 {
			b.count(func(s *BufferStats) { s.Filtered += uint64(filtered) })
		}
		return nil
	case <-b.done:
		return errBufferClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errBufferClosed = errors.New("buffer is closed")

// SetSender replaces the delivery target used by later attempts, queued retries included.
// Params: sender new chunk sender; timeout per-attempt bound, 0 for none.
// Returns: error when sender is nil.
func (b *Buffer) SetSender(sender ChunkSender, timeout time.Duration) error {
	if sender == nil {
		return fmt.Errorf("chunk sender is nil")
	}
	b.target.Store(&deliveryTarget{sender: sender, timeout: timeout})
	return nil
}

// Done is closed after the final flush on shutdown.
// Params: none.
// Returns: completion channel.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

// Stats returns a snapshot of chunk outcome counters.
// Params: none.
// Returns: stats copy.
func (b *Buffer) Stats() BufferStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

func (b *Buffer) count(update func(*BufferStats)) {
	b.statsMu.Lock()
	update(&b.stats)
	b.statsMu.Unlock()
}

// run executes batching, delivery and queue draining until ctx is canceled.
func (b *Buffer) run(ctx context.Context) {
	defer close(b.done)
	defer func() {
		if b.queue == nil {
			return
		}
		if err := b.queue.Close(); err != nil {
			b.logger.Error("close queue failed", slog.String("error", err.Error()))
		}
	}()

	flushTicker := time.NewTicker(b.flushTick())
	defer flushTicker.Stop()

	var retryC <-chan time.Time
	if b.queue != nil && b.opts.RetryInterval > 0 {
		retryTicker := time.NewTicker(b.opts.RetryInterval)
		defer retryTicker.Stop()
		retryC = retryTicker.C
	}

	_ = b.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case batch := <-b.input:
			b.appendBatch(ctx, batch)
		case <-flushTicker.C:
			b.flushExpired(ctx)
		case <-retryC:
			_ = b.drainQueue(ctx)
		}
	}
}

// shutdown flushes buffered input and open chunks within a bounded timeout.
func (b *Buffer) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout())
	defer cancel()

	for {
		select {
		case batch := <-b.input:
			b.appendBatch(shutdownCtx, batch)
			continue
		default:
		}
		break
	}

	for _, tag := range b.openTags() {
		b.flush(shutdownCtx, tag)
	}
	_ = b.drainQueue(shutdownCtx)
}

// shutdownTimeout bounds the final flush to two attempts plus slack.
func (b *Buffer) shutdownTimeout() time.Duration {
	base := b.target.Load().timeout
	if base <= 0 {
		base = 5 * time.Second
	}
	return min(max(2*base+2*time.Second, 3*time.Second), time.Minute)
}

func (b *Buffer) flushTick() time.Duration {
	if b.opts.MaxAge <= 0 {
		return maxFlushTick
	}
	return min(max(b.opts.MaxAge/2, minFlushTick), maxFlushTick)
}

func (b *Buffer) appendBatch(ctx context.Context, batch []Event) {
	for _, event := range batch {
		b.append(ctx, event)
	}
}

// append adds an event to its tag chunk and flushes at max_records.
func (b *Buffer) append(ctx context.Context, event Event) {
	open := b.pending[event.Tag]
	if open == nil {
		open = &openChunk{chunk: logdna.NewChunk(event.Tag), started: time.Now()}
		b.pending[event.Tag] = open
	}
	open.chunk.Entries = append(open.chunk.Entries, logdna.Entry{Time: event.Time, Record: event.Record})

	if b.opts.MaxRecords > 0 && uint64(open.chunk.Len()) >= b.opts.MaxRecords {
		b.flush(ctx, event.Tag)
	}
}

// flushExpired flushes every chunk older than max_age.
func (b *Buffer) flushExpired(ctx context.Context) {
	if b.opts.MaxAge <= 0 {
		return
	}
	now := time.Now()
	for _, tag := range b.openTags() {
		if now.Sub(b.pending[tag].started) >= b.opts.MaxAge {
			b.flush(ctx, tag)
		}
	}
}

func (b *Buffer) openTags() []string {
	tags := make([]string, 0, len(b.pending))
	for tag := range b.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// flush closes the open chunk of tag and delivers it.
func (b *Buffer) flush(ctx context.Context, tag string) {
	open := b.pending[tag]
	delete(b.pending, tag)
	if open == nil || open.chunk.Len() == 0 {
		return
	}

	chunk := open.chunk
	err := b.send(ctx, chunk)
	if err == nil {
		b.count(func(s *BufferStats) { s.Delivered++ })
		_ = b.drainQueue(ctx)
		return
	}

	attrs := []any{
		slog.String("chunk", chunk.ID),
		slog.String("tag", chunk.Tag),
		slog.Int("records", chunk.Len()),
		slog.String("error", err.Error()),
	}
	if !isTemporary(err) {
		b.count(func(s *BufferStats) { s.Dropped++ })
		b.logger.Error("chunk rejected by ingest, dropping", attrs...)
		return
	}
	if b.queue == nil {
		b.count(func(s *BufferStats) { s.Dropped++ })
		b.logger.Error("ingest unavailable, dropping chunk (queue disabled)", attrs...)
		return
	}
	if queueErr := b.queue.Enqueue(chunk); queueErr != nil {
		b.count(func(s *BufferStats) { s.Dropped++ })
		b.logger.Error("enqueue failed, dropping chunk", append(attrs, slog.String("queue_error", queueErr.Error()))...)
		return
	}
	b.count(func(s *BufferStats) { s.Queued++ })
	b.logger.Warn("ingest unavailable, chunk queued", attrs...)
}

// send runs one delivery attempt against the current target.
func (b *Buffer) send(ctx context.Context, chunk logdna.Chunk) error {
	target := b.target.Load()
	if target.timeout <= 0 {
		return target.sender.Send(ctx, chunk)
	}
	sendCtx, cancel := context.WithTimeout(ctx, target.timeout)
	defer cancel()
	return target.sender.Send(sendCtx, chunk)
}

// drainQueue resends queued chunks in order until the queue is empty or a temporary failure occurs.
func (b *Buffer) drainQueue(ctx context.Context) error {
	if b.queue == nil {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		head, err := b.queue.Peek()
		if err != nil {
			if errors.Is(err, errQueueEmpty) {
				return nil
			}
			b.logger.Error("peek queue failed", slog.String("error", err.Error()))
			return err
		}

		if head.decodeErr != nil {
			b.count(func(s *BufferStats) { s.Dropped++ })
			b.logger.Error("skipping unreadable queued chunk", slog.String("error", head.decodeErr.Error()))
		} else if sendErr := b.send(ctx, head.chunk); sendErr != nil {
			if isTemporary(sendErr) {
				return sendErr
			}
			b.count(func(s *BufferStats) { s.Dropped++ })
			b.logger.Error(
				"queued chunk rejected by ingest, dropping",
				slog.String("chunk", head.chunk.ID),
				slog.String("tag", head.chunk.Tag),
				slog.String("error", sendErr.Error()),
			)
		} else {
			b.count(func(s *BufferStats) { s.Delivered++ })
		}

		if err := b.queue.Ack(head); err != nil {
			b.logger.Error("ack queued chunk failed", slog.String("error", err.Error()))
			return err
		}
	}
}

// isTemporary reports whether a delivery failure is worth retrying.
// Errors that are not DeliveryError count as temporary.
func isTemporary(err error) bool {
	var delivery *logdna.DeliveryError
	if errors.As(err, &delivery) {
		return delivery.Temporary()
	}
	return true
}
