package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"logshipper/internal/config"
	"logshipper/internal/logdna"
)

const (
	inputReadHeaderTimeout = 5 * time.Second
	inputShutdownTimeout   = 5 * time.Second
)

// httpInputServer runs an HTTP server tied to a lifecycle context.
// Params: listen address, handler, and logger for diagnostics.
// Returns: runnable HTTP server instance.
type httpInputServer struct {
	listen string
	ln     net.Listener
	server *http.Server
	logger *slog.Logger
}

// newHTTPInputServer binds the listen address.
// Params: listen address in host:port; handler HTTP handler; logger root logger.
// Returns: server instance or bind error.
func newHTTPInputServer(listen string, handler http.Handler, logger *slog.Logger) (*httpInputServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}

	return &httpInputServer{
		listen: listen,
		ln:     ln,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: inputReadHeaderTimeout,
		},
		logger: logger,
	}, nil
}

// addr returns the bound address, useful with port 0.
func (s *httpInputServer) addr() string {
	return s.ln.Addr().String()
}

// run serves until ctx is canceled, then shuts down gracefully.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; error on early serve failures.
func (s *httpInputServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), inputShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("http input stopped unexpectedly", slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}

// buildHTTPInputRunners groups inputs by listen address, one server per address.
// Params: inputs config list; sink receiving events; logger root logger.
// Returns: server runners or bind/route error.
func buildHTTPInputRunners(inputs []config.HTTPInputConfig, sink Sink, logger *slog.Logger) ([]*httpInputServer, error) {
	type serverGroup struct {
		mux   *http.ServeMux
		paths map[string]struct{}
		srv   *httpInputServer
	}

	groups := make(map[string]*serverGroup)
	out := make([]*httpInputServer, 0, len(inputs))
	cleanup := func() {
		for _, group := range groups {
			_ = group.srv.ln.Close()
		}
	}

	for idx, input := range inputs {
		name := strings.TrimSpace(input.Name)
		if name == "" {
			name = fmt.Sprintf("http-%d", idx)
		}
		listen := strings.TrimSpace(input.Listen)
		base := "/" + strings.Trim(strings.TrimSpace(input.Path), "/")

		group := groups[listen]
		if group == nil {
			mux := http.NewServeMux()
			srv, err := newHTTPInputServer(listen, mux, logger)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("input %s: %w", name, err)
			}
			group = &serverGroup{mux: mux, paths: make(map[string]struct{}), srv: srv}
			groups[listen] = group
			out = append(out, srv)
		}

		if _, exists := group.paths[base]; exists {
			cleanup()
			return nil, fmt.Errorf("duplicate http input route: listen=%q path=%q", listen, base)
		}
		group.paths[base] = struct{}{}

		handler := makeHTTPInputHandler(httpInputOptions{
			name:    name,
			base:    base,
			tag:     strings.TrimSpace(input.Tag),
			maxBody: input.MaxBody,
		}, sink, logger)
		if base == "/" {
			group.mux.Handle("/", handler)
			continue
		}
		group.mux.Handle(base, handler)
		group.mux.Handle(base+"/", handler)
	}

	return out, nil
}

type httpInputOptions struct {
	name    string
	base    string
	tag     string
	maxBody int64
	now     func() time.Time
}

// makeHTTPInputHandler builds a handler decoding JSON records and passing them to sink.
// Params: opts route settings; sink target; logger root logger.
// Returns: HTTP handler.
func makeHTTPInputHandler(opts httpInputOptions, sink Sink, logger *slog.Logger) http.Handler {
	if opts.now == nil {
		opts.now = time.Now
	}
	inputLogger := logger.With(slog.String("input", opts.name))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		received, err := receiveTime(r, opts.now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		body := r.Body
		if opts.maxBody > 0 {
			body = http.MaxBytesReader(w, r.Body, opts.maxBody)
		}
		records, err := decodeRecords(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			inputLogger.Warn("http input parse failed", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(records) == 0 {
			http.Error(w, "no records", http.StatusBadRequest)
			return
		}

		tag := requestTag(opts, r.URL.Path)
		events := make([]Event, len(records))
		for idx, record := range records {
			events[idx] = Event{Tag: tag, Time: received, Record: record}
		}
		if err := sink.Consume(r.Context(), events); err != nil {
			inputLogger.Warn(
				"http input rejected records",
				slog.String("tag", tag),
				slog.Int("records", len(events)),
				slog.String("error", err.Error()),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

// requestTag resolves the fixed tag, else the path remainder with '/' as '.'.
func requestTag(opts httpInputOptions, path string) string {
	if opts.tag != "" {
		return opts.tag
	}
	rest := path
	if opts.base != "/" {
		rest = strings.TrimPrefix(path, opts.base)
	}
	rest = strings.Trim(rest, "/")
	return strings.ReplaceAll(rest, "/", ".")
}

// receiveTime returns ?time= as unix seconds, or now.
func receiveTime(r *http.Request, now func() time.Time) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("time"))
	if raw == "" {
		return now().Unix(), nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return seconds, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", raw)
	}
	return int64(seconds), nil
}

// decodeRecords accepts one object, an array of objects, or newline-delimited objects.
func decodeRecords(body io.Reader) ([]logdna.Record, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	out := make([]logdna.Record, 0, 1)
	for {
		var value any
		if err := decoder.Decode(&value); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode json: %w", err)
		}

		switch typed := value.(type) {
		case map[string]any:
			out = append(out, logdna.Record(typed))
		case []any:
			for idx, item := range typed {
				object, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("array element %d is not an object", idx)
				}
				out = append(out, logdna.Record(object))
			}
		default:
			return nil, fmt.Errorf("record must be a JSON object, got %T", value)
		}
	}
}
