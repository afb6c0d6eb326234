package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"logshipper/internal/config"
)

const (
	debugShutdownTimeout = 3 * time.Second
	debugReadHeaderTO    = 2 * time.Second
	redactedSecret       = "[redacted]"
)

// startDebugServer starts the optional pprof/config endpoint and stops it with ctx.
// Params: ctx controls lifecycle; cfg running config (pprof section decides listen); logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startDebugServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	if cfg == nil || !cfg.Pprof.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Pprof.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Pprof.Listen, err)
	}

	server := &http.Server{
		Handler:           newDebugMux(cfg),
		ReadHeaderTimeout: debugReadHeaderTO,
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("debug server shutdown error", slog.String("error", err.Error()))
			}
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug server failed", slog.String("addr", cfg.Pprof.Listen), slog.String("error", err.Error()))
		}
	}()

	logger.Info("debug server started", slog.String("addr", listener.Addr().String()))
	return stop, nil
}

// newDebugMux routes pprof handlers and the redacted running config.
// Params: cfg running config.
// Returns: HTTP handler.
func newDebugMux(cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)

	snapshot := redactedConfig(cfg)
	mux.HandleFunc("/debug/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(snapshot)
	})
	return mux
}

// redactedConfig copies cfg with the API key masked.
func redactedConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.LogDNA.APIKey != "" {
		out.LogDNA.APIKey = redactedSecret
	}
	return out
}
