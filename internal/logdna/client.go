package logdna

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

const maxErrorBody = 64 << 10

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return w
	},
}

// Client sends batches of ingest lines to the ingest endpoint.
// Params: static config, shared HTTP client and diagnostic logger.
// Returns: stateless dispatcher safe for concurrent use.
type Client struct {
	cfg         Config
	endpoint    string
	httpClient  *http.Client
	transformer *Transformer
	logger      *slog.Logger
	now         func() time.Time
}

// NewClient creates a dispatcher bound to a persistent HTTP client.
// Params: cfg static config; httpClient shared client owned by the caller; logger diagnostic sink.
// Returns: client or config error.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	domain := strings.TrimRight(strings.TrimSpace(cfg.IngesterDomain), "/")
	if domain == "" {
		domain = DefaultIngesterDomain
	}
	if _, err := url.Parse(domain); err != nil {
		return nil, fmt.Errorf("parse ingester domain %q: %w", domain, err)
	}

	transformer, err := NewTransformer(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:         cfg,
		endpoint:    domain + ingestPath,
		httpClient:  httpClient,
		transformer: transformer,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Transformer returns the record transformer bound to this client's defaults.
// Params: none.
// Returns: transformer instance.
func (c *Client) Transformer() *Transformer {
	return c.transformer
}

// Send transforms one chunk and dispatches it as a single batch.
// Params: ctx request lifecycle; chunk tagged entries for one delivery attempt.
// Returns: nil on success or *DeliveryError.
func (c *Client) Send(ctx context.Context, chunk Chunk) error {
	lines := c.transformer.TransformChunk(chunk)
	return c.dispatch(ctx, lines, slog.String("chunk", chunk.ID), slog.String("tag", chunk.Tag))
}

// Dispatch sends lines as one batch request.
// Params: ctx request lifecycle; lines ordered ingest lines.
// Returns: nil when the endpoint answers < 400, otherwise *DeliveryError.
func (c *Client) Dispatch(ctx context.Context, lines []Line) error {
	return c.dispatch(ctx, lines)
}

func (c *Client) dispatch(ctx context.Context, lines []Line, attrs ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if lines == nil {
		lines = []Line{}
	}

	body, err := c.encodeBody(Batch{Lines: lines})
	if err != nil {
		return &DeliveryError{Err: err}
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return &DeliveryError{Err: err}
	}

	c.logger.Debug(
		"sending batch",
		append([]any{
			slog.Int("lines", len(lines)),
			slog.Int("bytes", len(body)),
			slog.String("url", c.endpoint),
		}, attrs...)...,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("POST %s: %w", c.endpoint, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	c.logFailure(resp, attrs)
	return &DeliveryError{StatusCode: resp.StatusCode}
}

// encodeBody serializes the batch, gzip-compressed when configured.
// Params: batch payload.
// Returns: request body bytes owned by the caller.
func (c *Client) encodeBody(batch Batch) ([]byte, error) {
	raw, err := json.MarshalNoEscape(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	if !c.cfg.Compress {
		return raw, nil
	}

	var buf bytes.Buffer
	gz := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(gz)
	gz.Reset(&buf)

	if _, err := gz.Write(raw); err != nil {
		_ = gz.Close()
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

// newRequest builds the ingest POST with identity query and auth headers.
// Params: ctx request lifecycle; body encoded batch.
// Returns: HTTP request or build error.
func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL(c.now()), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, nil
}

// ingestURL renders the endpoint URL with hostname, mac, ip and now in fixed order.
// Params: now request build time.
// Returns: absolute URL; unset identifiers render as empty values.
func (c *Client) ingestURL(now time.Time) string {
	var b strings.Builder
	b.WriteString(c.endpoint)
	b.WriteString("?hostname=")
	b.WriteString(url.QueryEscape(c.cfg.Hostname))
	b.WriteString("&mac=")
	b.WriteString(url.QueryEscape(c.cfg.MAC))
	b.WriteString("&ip=")
	b.WriteString(url.QueryEscape(c.cfg.IP))
	b.WriteString("&now=")
	b.WriteString(strconv.FormatInt(now.Unix(), 10))
	return b.String()
}

// logFailure emits the structured diagnostic of a rejected batch.
// Params: resp failed response; attrs extra chunk attributes.
// Returns: none.
func (c *Client) logFailure(resp *http.Response, attrs []any) {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	diagnostic := errorDiagnostic(resp.StatusCode, reasonPhrase(resp), body)
	if readErr != nil {
		diagnostic["read_error"] = readErr.Error()
	}

	keys := make([]string, 0, len(diagnostic))
	for key := range diagnostic {
		keys = append(keys, key)
	}
	sortDiagnosticKeys(keys)

	args := make([]any, 0, len(keys)+len(attrs))
	for _, key := range keys {
		args = append(args, slog.Any(key, diagnostic[key]))
	}
	args = append(args, attrs...)

	c.logger.Error("ingest request rejected", args...)
}

// errorDiagnostic merges the HTTP status with the remote error detail.
// Params: code status code; reason reason phrase; body raw response body.
// Returns: diagnostic fields; non-object or malformed bodies become message.
func errorDiagnostic(code int, reason string, body []byte) map[string]any {
	diagnostic := make(map[string]any)

	var detail map[string]any
	if err := json.Unmarshal(body, &detail); err == nil && detail != nil {
		for key, value := range detail {
			diagnostic[key] = value
		}
	} else {
		diagnostic["message"] = string(body)
	}

	diagnostic["http_code"] = code
	diagnostic["http_reason"] = reason
	return diagnostic
}

// reasonPhrase extracts the reason phrase from the status line.
func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if reason := strings.TrimPrefix(resp.Status, prefix); reason != resp.Status && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// sortDiagnosticKeys orders http_code and http_reason first, the rest alphabetically.
func sortDiagnosticKeys(keys []string) {
	rank := func(key string) int {
		switch key {
		case "http_code":
			return 0
		case "http_reason":
			return 1
		default:
			return 2
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
}
