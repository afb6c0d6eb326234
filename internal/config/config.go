package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"logshipper/internal/hostinfo"
	"logshipper/internal/logdna"
)

const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "line"
	defaultTimeout         = 30 * time.Second
	defaultKeepAlive       = 60 * time.Second
	defaultMessageKey      = "message"
	defaultBatchRecords    = 500
	defaultBatchAge        = 5 * time.Second
	defaultRetryInterval   = 10 * time.Second
	defaultInputBuffer     = 4096
	defaultHTTPInputPath   = "/"
	defaultHTTPInputBody   = 1 << 20
	defaultDiscoverTimeout = 5 * time.Second
	defaultPprofListen     = "127.0.0.1:6060"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root shipper configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	LogDNA LogDNAConfig `toml:"logdna"`
	Buffer BufferConfig `toml:"buffer"`
	Input  InputConfig  `toml:"input"`
	Log    LogConfig    `toml:"log"`
	Pprof  PprofConfig  `toml:"pprof"`
}

// LogDNAConfig contains ingest endpoint credentials, host identity and line defaults.
// Params: [logdna] section.
// Returns: output settings.
type LogDNAConfig struct {
	APIKey         string   `toml:"api_key"`
	Hostname       string   `toml:"hostname"`
	MAC            string   `toml:"mac"`
	IP             string   `toml:"ip"`
	DiscoverHost   bool     `toml:"discover_host"`
	App            string   `toml:"app"`
	File           string   `toml:"file"`
	IngesterDomain string   `toml:"ingester_domain"`
	Timeout        Duration `toml:"timeout"`
	KeepAlive      Duration `toml:"keep_alive"`
	Compress       bool     `toml:"compress"`
	MessageKey     string   `toml:"message_key"`
	MessageCharset string   `toml:"message_charset"`
}

// Output converts the section into the static output config.
// Params: none.
// Returns: logdna output config.
func (c LogDNAConfig) Output() logdna.Config {
	return logdna.Config{
		APIKey:         c.APIKey,
		Hostname:       c.Hostname,
		MAC:            c.MAC,
		IP:             c.IP,
		App:            c.App,
		File:           c.File,
		IngesterDomain: c.IngesterDomain,
		Compress:       c.Compress,
		MessageKey:     c.MessageKey,
		MessageCharset: c.MessageCharset,
	}
}

// BufferConfig defines chunking, retry and record filtering.
// Params: [buffer] section.
// Returns: buffer runtime settings.
type BufferConfig struct {
	MaxRecords    uint64      `toml:"max_records"`
	MaxAge        Duration    `toml:"max_age"`
	RetryInterval Duration    `toml:"retry_interval"`
	InputBuffer   int         `toml:"input_buffer"`
	DropRecord    []string    `toml:"drop_record"`
	Queue         QueueConfig `toml:"queue"`
}

// QueueConfig defines disk queue limits for undelivered chunks.
// Params: queue controls from TOML.
// Returns: queue settings.
type QueueConfig struct {
	Enabled   bool     `toml:"enabled"`
	Dir       string   `toml:"dir"`
	MaxChunks uint64   `toml:"max_chunks"`
	MaxAge    Duration `toml:"max_age"`
}

// InputConfig groups record sources.
// Params: [[input.*]] sections.
// Returns: input definitions.
type InputConfig struct {
	HTTP []HTTPInputConfig `toml:"http"`
}

// HTTPInputConfig defines one HTTP endpoint accepting JSON records.
// Params: listen address, route prefix, fixed tag and body limit.
// Returns: http input settings.
type HTTPInputConfig struct {
	Name    string `toml:"name"`
	Listen  string `toml:"listen"`
	Path    string `toml:"path"`
	Tag     string `toml:"tag"`
	MaxBody int64  `toml:"max_body"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// discoverIdentity is replaced in tests.
var discoverIdentity = func(ctx context.Context) (hostinfo.Identity, error) {
	return hostinfo.NewDiscoverer().Discover(ctx)
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory in name order.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	out := &c.LogDNA
	out.APIKey = strings.TrimSpace(out.APIKey)
	if strings.TrimSpace(out.Hostname) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		out.Hostname = host
	}
	if out.DiscoverHost && (strings.TrimSpace(out.MAC) == "" || strings.TrimSpace(out.IP) == "") {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDiscoverTimeout)
		identity, err := discoverIdentity(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("discover host identity: %w", err)
		}
		if strings.TrimSpace(out.MAC) == "" {
			out.MAC = identity.MAC
		}
		if strings.TrimSpace(out.IP) == "" {
			out.IP = identity.IP
		}
	}
	if strings.TrimSpace(out.IngesterDomain) == "" {
		out.IngesterDomain = logdna.DefaultIngesterDomain
	}
	out.IngesterDomain = strings.TrimRight(strings.TrimSpace(out.IngesterDomain), "/")
	if out.Timeout.Duration <= 0 {
		out.Timeout.Duration = defaultTimeout
	}
	if out.KeepAlive.Duration <= 0 {
		out.KeepAlive.Duration = defaultKeepAlive
	}
	if strings.TrimSpace(out.MessageKey) == "" {
		out.MessageKey = defaultMessageKey
	}

	if c.Buffer.MaxRecords == 0 {
		c.Buffer.MaxRecords = defaultBatchRecords
	}
	if c.Buffer.MaxAge.Duration <= 0 {
		c.Buffer.MaxAge.Duration = defaultBatchAge
	}
	if c.Buffer.RetryInterval.Duration <= 0 {
		c.Buffer.RetryInterval.Duration = defaultRetryInterval
	}
	if c.Buffer.InputBuffer <= 0 {
		c.Buffer.InputBuffer = defaultInputBuffer
	}

	for idx := range c.Input.HTTP {
		input := &c.Input.HTTP[idx]
		if strings.TrimSpace(input.Path) == "" {
			input.Path = defaultHTTPInputPath
		}
		if input.MaxBody <= 0 {
			input.MaxBody = defaultHTTPInputBody
		}
	}

	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if c.LogDNA.APIKey == "" {
		return fmt.Errorf("logdna.api_key is required")
	}
	if strings.TrimSpace(c.LogDNA.Hostname) == "" {
		return fmt.Errorf("logdna.hostname resolved to empty value")
	}
	if err := validateIngesterDomain("logdna.ingester_domain", c.LogDNA.IngesterDomain); err != nil {
		return err
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validatePprofConfig("pprof", c.Pprof); err != nil {
		return err
	}

	if c.Buffer.Queue.Enabled {
		if strings.TrimSpace(c.Buffer.Queue.Dir) == "" {
			return fmt.Errorf("buffer.queue.dir is required when queue is enabled")
		}
		if c.Buffer.Queue.MaxChunks == 0 && c.Buffer.Queue.MaxAge.Duration <= 0 {
			return fmt.Errorf("buffer.queue requires max_chunks > 0 or max_age > 0")
		}
	}
	for idx, expression := range c.Buffer.DropRecord {
		if strings.TrimSpace(expression) == "" {
			return fmt.Errorf("buffer.drop_record[%d] cannot be empty", idx)
		}
	}

	return validateHTTPInputs("input.http", c.Input.HTTP)
}

// validateIngesterDomain checks that the base URL is absolute http(s).
// Params: path config field path; value configured base URL.
// Returns: validation error or nil.
func validateIngesterDomain(path string, value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", path)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", path)
	}
	return nil
}

// validateHTTPInputs validates HTTP input endpoints and route uniqueness.
// Params: path config path prefix; inputs http input definitions.
// Returns: validation error for invalid values.
func validateHTTPInputs(path string, inputs []HTTPInputConfig) error {
	routes := make(map[string]struct{}, len(inputs))
	for idx, input := range inputs {
		inputPath := fmt.Sprintf("%s[%d]", path, idx)
		listen := strings.TrimSpace(input.Listen)
		if listen == "" {
			return fmt.Errorf("%s.listen is required", inputPath)
		}
		if _, _, err := net.SplitHostPort(listen); err != nil {
			return fmt.Errorf("%s.listen must be host:port: %w", inputPath, err)
		}
		if !strings.HasPrefix(input.Path, "/") {
			return fmt.Errorf("%s.path must start with /", inputPath)
		}

		route := listen + " " + input.Path
		if _, exists := routes[route]; exists {
			return fmt.Errorf("%s duplicates route listen=%q path=%q", inputPath, listen, input.Path)
		}
		routes[route] = struct{}{}
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validatePprofConfig validates optional pprof endpoint settings.
// Params: path is config path prefix; cfg pprof section.
// Returns: validation error for invalid listen endpoint.
func validatePprofConfig(path string, cfg PprofConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
