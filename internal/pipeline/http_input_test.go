package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"logshipper/internal/config"
)

type captureSink struct {
	mu      sync.Mutex
	events  []Event
	batches int
	err     error
}

func (s *captureSink) Consume(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) captured() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func fixedNow() time.Time {
	return time.Unix(1700000000, 0)
}

// TestHTTPInput_AcceptsObjectArrayAndNDJSON verifies every accepted body shape.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPInput_AcceptsObjectArrayAndNDJSON(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"object", `{"message":"one"}`, 1},
		{"array", `[{"message":"one"},{"message":"two"}]`, 2},
		{"ndjson", "{\"message\":\"one\"}\n{\"message\":\"two\"}\n{\"message\":\"three\"}\n", 3},
	}

	for _, tc := range cases {
		sink := &captureSink{}
		handler := makeHTTPInputHandler(httpInputOptions{name: "t", base: "/ingest", now: fixedNow}, sink, discardLogger())

		req := httptest.NewRequest(http.MethodPost, "/ingest/app/web", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: unexpected status %d", tc.name, rec.Code)
		}
		events := sink.captured()
		if len(events) != tc.want {
			t.Fatalf("%s: unexpected event count %d", tc.name, len(events))
		}
		if events[0].Tag != "app.web" || events[0].Time != 1700000000 {
			t.Fatalf("%s: unexpected event: %+v", tc.name, events[0])
		}
		if events[0].Record["message"] != "one" {
			t.Fatalf("%s: unexpected record: %#v", tc.name, events[0].Record)
		}
	}
}

// TestHTTPInput_TagAndTimeResolution verifies fixed tag, empty tag and ?time= override.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPInput_TagAndTimeResolution(t *testing.T) {
	sink := &captureSink{}
	fixed := makeHTTPInputHandler(httpInputOptions{name: "fixed", base: "/", tag: "svc.api", now: fixedNow}, sink, discardLogger())
	bare := makeHTTPInputHandler(httpInputOptions{name: "bare", base: "/logs", now: fixedNow}, sink, discardLogger())

	rec := httptest.NewRecorder()
	fixed.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ignored/path?time=1600000000.9", strings.NewReader(`{"a":1}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(`{"a":2}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	events := sink.captured()
	if events[0].Tag != "svc.api" || events[0].Time != 1600000000 {
		t.Fatalf("unexpected fixed-tag event: %+v", events[0])
	}
	if events[1].Tag != "" || events[1].Time != 1700000000 {
		t.Fatalf("unexpected bare event: %+v", events[1])
	}
}

// TestHTTPInput_RejectsInvalidRequests verifies 400/405/413/503 responses.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPInput_RejectsInvalidRequests(t *testing.T) {
	sink := &captureSink{}
	handler := makeHTTPInputHandler(httpInputOptions{name: "t", base: "/", maxBody: 32, now: fixedNow}, sink, discardLogger())

	cases := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"get", http.MethodGet, "/", "", http.StatusMethodNotAllowed},
		{"scalar", http.MethodPost, "/", `"text"`, http.StatusBadRequest},
		{"array of scalars", http.MethodPost, "/", `[1,2]`, http.StatusBadRequest},
		{"broken json", http.MethodPost, "/", `{"a":`, http.StatusBadRequest},
		{"empty", http.MethodPost, "/", ``, http.StatusBadRequest},
		{"bad time", http.MethodPost, "/?time=soon", `{"a":1}`, http.StatusBadRequest},
		{"too large", http.MethodPost, "/", `{"message":"` + strings.Repeat("x", 64) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, rec.Code, tc.want)
		}
	}
	if len(sink.captured()) != 0 {
		t.Fatalf("rejected requests must not emit events")
	}

	sink.err = errors.New("buffer is closed")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on sink failure, got %d", rec.Code)
	}
}

// TestBuildHTTPInputRunners_ServesAndStops verifies real listener wiring and shutdown.
// Params: testing.T for assertions.
// Returns: none.
func TestBuildHTTPInputRunners_ServesAndStops(t *testing.T) {
	sink := &captureSink{}
	servers, err := buildHTTPInputRunners([]config.HTTPInputConfig{
		{Name: "main", Listen: "127.0.0.1:0", Path: "/ingest", MaxBody: 1024},
	}, sink, discardLogger())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("unexpected server count: %d", len(servers))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- servers[0].run(ctx) }()

	resp, err := http.Post("http://"+servers[0].addr()+"/ingest/kube/pod", "application/json", strings.NewReader(`{"log":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	events := sink.captured()
	if len(events) != 1 || events[0].Tag != "kube.pod" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

// TestBuildHTTPInputRunners_RejectsDuplicateRoute verifies route uniqueness per listener.
// Params: testing.T for assertions.
// Returns: none.
func TestBuildHTTPInputRunners_RejectsDuplicateRoute(t *testing.T) {
	listen := "127.0.0.1:0"
	_, err := buildHTTPInputRunners([]config.HTTPInputConfig{
		{Listen: listen, Path: "/a"},
		{Listen: listen, Path: "/a/"},
	}, &captureSink{}, discardLogger())
	if err == nil {
		t.Fatalf("expected duplicate route error")
	}
}

// TestHTTPInput_RequestIsOneBatch verifies every record of a request reaches the sink in a single call.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPInput_RequestIsOneBatch(t *testing.T) {
	sink := &captureSink{}
	handler := makeHTTPInputHandler(httpInputOptions{name: "t", base: "/", now: fixedNow}, sink, discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/app", strings.NewReader(`[{"n":1},{"n":2},{"n":3}]`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if sink.batches != 1 || len(sink.captured()) != 3 {
		t.Fatalf("expected one batch of 3 records, got batches=%d records=%d", sink.batches, len(sink.captured()))
	}
}

// TestHTTPInput_FullBufferRejectsWholeRequest verifies a 503 leaves no record of the request buffered.
// Params: testing.T for assertions.
// Returns: none.
func TestHTTPInput_FullBufferRejectsWholeRequest(t *testing.T) {
	sender := &gatedSender{gate: make(chan struct{})}
	buffer, cancel := startBuffer(t, BufferOptions{MaxRecords: 1, InputBuffer: 1}, nil, sender)
	handler := makeHTTPInputHandler(httpInputOptions{name: "t", base: "/", now: fixedNow}, buffer, discardLogger())

	post := func(body string, timeout time.Duration) int {
		ctx, stop := context.WithTimeout(context.Background(), timeout)
		defer stop()
		req := httptest.NewRequest(http.MethodPost, "/app", strings.NewReader(body)).WithContext(ctx)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(`{"message":"in-flight"}`, time.Second); code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", code)
	}
	waitFor(t, "first send", func() bool { return len(sender.sent()) == 1 })
	if code := post(`{"message":"waiting"}`, time.Second); code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", code)
	}
	if code := post(`[{"message":"late-1"},{"message":"late-2"}]`, 50*time.Millisecond); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 under backpressure, got %d", code)
	}

	close(sender.gate)
	cancel()
	<-buffer.Done()

	if got := len(sender.sent()); got != 2 {
		t.Fatalf("expected only the accepted requests to be delivered, got %d chunks", got)
	}
}
