package logdna

import (
	"net"
	"net/http"
	"time"
)

// DefaultIngesterDomain is the public LogDNA ingest base URL.
const DefaultIngesterDomain = "https://logs.logdna.com"

const (
	ingestPath          = "/logs/ingest"
	defaultKeepAlive    = 60 * time.Second
	defaultIdleConnsCap = 16
)

// Config is the static output configuration supplied once at startup.
// Params: credentials, host identity, defaults and transport options.
// Returns: read-only settings shared by transformer and client.
type Config struct {
	APIKey         string
	Hostname       string
	MAC            string
	IP             string
	App            string
	File           string
	IngesterDomain string
	Compress       bool
	MessageKey     string
	MessageCharset string
}

// NewHTTPClient builds the persistent HTTP client shared by all dispatches.
// Params: timeout whole-request timeout; keepAlive idle connection lifetime.
// Returns: client safe for concurrent use; callers release it with CloseIdleConnections.
func NewHTTPClient(timeout, keepAlive time.Duration) *http.Client {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          defaultIdleConnsCap,
		MaxIdleConnsPerHost:   defaultIdleConnsCap,
		IdleConnTimeout:       keepAlive,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
