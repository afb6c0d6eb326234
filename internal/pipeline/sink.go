package pipeline

import (
	"context"
	"log/slog"

	json "github.com/goccy/go-json"
)

// Sink accepts the records decoded from one input request.
// Params: context bounding backpressure; events of one request in arrival order.
// Returns: nil when the whole batch was accepted; on error none of its events are kept.
type Sink interface {
	Consume(ctx context.Context, events []Event) error
}

// debugTap echoes accepted batches to the debug log.
// Events rejected by the wrapped sink are never echoed.
type debugTap struct {
	next   Sink
	logger *slog.Logger
}

func newDebugTap(next Sink, logger *slog.Logger) *debugTap {
	return &debugTap{next: next, logger: logger}
}

// Consume forwards events, then logs each accepted record as compact JSON.
func (t *debugTap) Consume(ctx context.Context, events []Event) error {
	if err := t.next.Consume(ctx, events); err != nil {
		return err
	}
	if ctx == nil || !t.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	for _, event := range events {
		payload, err := json.Marshal(event.Record)
		if err != nil {
			t.logger.Debug("record accepted", slog.String("tag", event.Tag), slog.String("encode_error", err.Error()))
			continue
		}
		t.logger.Debug(
			"record accepted",
			slog.String("tag", event.Tag),
			slog.Int64("time", event.Time),
			slog.String("record", string(payload)),
		)
	}
	return nil
}
