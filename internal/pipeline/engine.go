package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"logshipper/internal/config"
	"logshipper/internal/logdna"
)

var errEngineStopped = errors.New("engine is stopped")

// Engine owns inputs, the buffer and the ingest client.
// Params: input runners, buffer and ingest HTTP client.
// Returns: pipeline runtime engine.
type Engine struct {
	runners []runner
	inputs  []*httpInputServer
	buffer  *Buffer
	logger  *slog.Logger

	stopBuffer context.CancelFunc

	mu      sync.Mutex
	http    *http.Client
	retired []*http.Client
	stopped bool
}

type runner interface {
	run(context.Context) error
}

// NewFromConfig builds the ingest client, the buffer and HTTP inputs.
// Params: ctx lifecycle context; cfg validated runtime config; logger initialized logger.
// Returns: engine ready to Run or error.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	httpClient, client, err := newOutput(cfg.LogDNA, logger)
	if err != nil {
		return nil, err
	}

	// inputs stop before the buffer so in-flight requests still reach it
	bufferCtx, stopBuffer := context.WithCancel(context.WithoutCancel(ctx))
	buffer, err := NewBufferFromConfig(bufferCtx, cfg.Buffer, cfg.LogDNA.Timeout.Duration, logger.With(slog.String("component", "buffer")), client)
	if err != nil {
		stopBuffer()
		return nil, fmt.Errorf("init buffer: %w", err)
	}

	inputs, err := buildHTTPInputRunners(cfg.Input.HTTP, newDebugTap(buffer, logger), logger)
	if err != nil {
		stopBuffer()
		<-buffer.Done()
		return nil, fmt.Errorf("init http inputs: %w", err)
	}

	runners := make([]runner, 0, len(inputs))
	for _, input := range inputs {
		runners = append(runners, input)
	}

	return &Engine{
		runners:    runners,
		inputs:     inputs,
		buffer:     buffer,
		http:       httpClient,
		logger:     logger,
		stopBuffer: stopBuffer,
	}, nil
}

// newOutput builds a persistent HTTP client and the LogDNA client bound to it.
func newOutput(cfg config.LogDNAConfig, logger *slog.Logger) (*http.Client, *logdna.Client, error) {
	httpClient := logdna.NewHTTPClient(cfg.Timeout.Duration, cfg.KeepAlive.Duration)
	client, err := logdna.NewClient(cfg.Output(), httpClient, logger.With(slog.String("output", "logdna")))
	if err != nil {
		httpClient.CloseIdleConnections()
		return nil, nil, fmt.Errorf("init logdna client: %w", err)
	}
	return httpClient, client, nil
}

// Sink returns the entry point records flow into.
// Params: none.
// Returns: buffer sink.
func (e *Engine) Sink() Sink {
	return e.buffer
}

// SwapOutput points delivery at a new LogDNA client without touching buffered chunks or the queue.
// Params: cfg new [logdna] section.
// Returns: client build error, or errEngineStopped after Run returned.
func (e *Engine) SwapOutput(cfg config.LogDNAConfig) error {
	httpClient, client, err := newOutput(cfg, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		httpClient.CloseIdleConnections()
		return errEngineStopped
	}
	if err := e.buffer.SetSender(client, cfg.Timeout.Duration); err != nil {
		httpClient.CloseIdleConnections()
		return err
	}

	// an attempt in flight may still hold the old client
	previous := e.http
	previous.CloseIdleConnections()
	e.retired = append(e.retired, previous)
	e.http = httpClient

	e.logger.Info("output swapped", slog.String("ingester", cfg.IngesterDomain), slog.String("hostname", cfg.Hostname))
	return nil
}

// Run starts inputs and waits for context cancellation, then flushes the buffer.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.runners) == 0 {
		e.logger.Warn("no inputs configured")
	}

	var wg sync.WaitGroup
	wg.Add(len(e.runners))
	for _, r := range e.runners {
		go func(active runner) {
			defer wg.Done()
			if err := active.run(ctx); err != nil {
				e.logger.Error("runner stopped with error", slog.String("error", err.Error()))
			}
		}(r)
	}

	<-ctx.Done()
	wg.Wait()

	e.stopBuffer()
	<-e.buffer.Done()
	e.releaseClients()

	stats := e.buffer.Stats()
	e.logger.Info(
		"pipeline stopped",
		slog.Uint64("delivered_chunks", stats.Delivered),
		slog.Uint64("queued_chunks", stats.Queued),
		slog.Uint64("dropped_chunks", stats.Dropped),
		slog.Uint64("filtered_records", stats.Filtered),
	)
	return nil
}

func (e *Engine) releaseClients() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.http.CloseIdleConnections()
	for _, client := range e.retired {
		client.CloseIdleConnections()
	}
	e.retired = nil
}
