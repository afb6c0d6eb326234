package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logshipper/internal/config"
)

// TestLoad_ExpandsEnvAndAppliesDefaults verifies env expansion and defaulting.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_LOGDNA_KEY", "secret-key")

	path := writeConfig(t, `
[logdna]
api_key = "${TEST_LOGDNA_KEY}"
hostname = ""
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.LogDNA.APIKey != "secret-key" {
		t.Fatalf("unexpected api key: %q", cfg.LogDNA.APIKey)
	}
	if cfg.LogDNA.Hostname == "" {
		t.Fatalf("expected hostname default")
	}
	if cfg.LogDNA.IngesterDomain != "https://logs.logdna.com" {
		t.Fatalf("unexpected ingester domain: %q", cfg.LogDNA.IngesterDomain)
	}
	if got := cfg.LogDNA.Timeout.Duration; got != 30*time.Second {
		t.Fatalf("unexpected default timeout: %v", got)
	}
	if got := cfg.LogDNA.KeepAlive.Duration; got != 60*time.Second {
		t.Fatalf("unexpected default keep_alive: %v", got)
	}
	if cfg.LogDNA.MessageKey != "message" {
		t.Fatalf("unexpected message key: %q", cfg.LogDNA.MessageKey)
	}
	if cfg.LogDNA.Compress {
		t.Fatalf("compression must be off by default")
	}
	if !cfg.Log.Console.Enabled {
		t.Fatalf("expected console logging to be enabled by default")
	}
	if cfg.Buffer.MaxRecords != 500 || cfg.Buffer.MaxAge.Duration != 5*time.Second {
		t.Fatalf("unexpected buffer defaults: %+v", cfg.Buffer)
	}
	if cfg.Buffer.RetryInterval.Duration != 10*time.Second || cfg.Buffer.InputBuffer != 4096 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Buffer)
	}
}

// TestLoad_ParsesFullDocument verifies every section decodes.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_ParsesFullDocument(t *testing.T) {
	queueDir := t.TempDir()
	path := writeConfig(t, `
[logdna]
api_key = "k"
hostname = "web-1"
mac = "aa:bb"
ip = "10.0.0.1"
app = "api"
file = "/var/log/api.log"
ingester_domain = "http://127.0.0.1:9000/"
timeout = "3s"
keep_alive = "15s"
compress = true
message_key = "log"
message_charset = "iso-8859-1"

[buffer]
max_records = 50
max_age = "1s"
retry_interval = "2s"
drop_record = ['tag = "debug.**"']

[buffer.queue]
enabled = true
dir = "`+filepath.ToSlash(queueDir)+`"
max_chunks = 100

[[input.http]]
name = "main"
listen = "127.0.0.1:0"
path = "/ingest"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	out := cfg.LogDNA.Output()
	if out.Hostname != "web-1" || out.MAC != "aa:bb" || out.IP != "10.0.0.1" {
		t.Fatalf("unexpected identity: %+v", out)
	}
	if out.IngesterDomain != "http://127.0.0.1:9000" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", out.IngesterDomain)
	}
	if !out.Compress || out.MessageKey != "log" || out.MessageCharset != "iso-8859-1" {
		t.Fatalf("unexpected output options: %+v", out)
	}
	if cfg.LogDNA.Timeout.Duration != 3*time.Second || cfg.LogDNA.KeepAlive.Duration != 15*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.LogDNA.Timeout, cfg.LogDNA.KeepAlive)
	}
	if cfg.Buffer.MaxRecords != 50 || len(cfg.Buffer.DropRecord) != 1 {
		t.Fatalf("unexpected buffer: %+v", cfg.Buffer)
	}
	if !cfg.Buffer.Queue.Enabled || cfg.Buffer.Queue.MaxChunks != 100 {
		t.Fatalf("unexpected queue: %+v", cfg.Buffer.Queue)
	}
	if len(cfg.Input.HTTP) != 1 || cfg.Input.HTTP[0].MaxBody != 1<<20 {
		t.Fatalf("unexpected http inputs: %+v", cfg.Input.HTTP)
	}
}

// TestLoad_ConfigDirMergesTomlFiles verifies config directory loading and file-order merge.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_ConfigDirMergesTomlFiles(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"00-logdna.toml": `
[logdna]
api_key = "k"
hostname = "h"
`,
		"20-input-z.toml": `
[[input.http]]
name = "z"
listen = "127.0.0.1:9002"
`,
		"10-input-a.toml": `
[[input.http]]
name = "a"
listen = "127.0.0.1:9001"
`,
	})

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config dir: %v", err)
	}

	if len(cfg.Input.HTTP) != 2 {
		t.Fatalf("unexpected inputs count: %d", len(cfg.Input.HTTP))
	}
	if cfg.Input.HTTP[0].Name != "a" || cfg.Input.HTTP[1].Name != "z" {
		t.Fatalf("unexpected input order: [%q,%q]", cfg.Input.HTTP[0].Name, cfg.Input.HTTP[1].Name)
	}
	if cfg.Input.HTTP[0].Path != "/" {
		t.Fatalf("unexpected default input path: %q", cfg.Input.HTTP[0].Path)
	}
}

// TestLoad_ConfigDirRejectsWithoutToml verifies config dir validation on empty/non-toml-only directories.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_ConfigDirRejectsWithoutToml(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not a config"), 0o644); err != nil {
		t.Fatalf("write non-toml file: %v", err)
	}

	_, err := config.Load(dir)
	if err == nil {
		t.Fatalf("expected error for config dir without *.toml")
	}
	if !strings.Contains(err.Error(), "no *.toml files") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestLoad_RejectsInvalidDocuments verifies fail-fast validation rules.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_RejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing api key": `
[logdna]
hostname = "h"
`,
		"bad scheme": `
[logdna]
api_key = "k"
ingester_domain = "ftp://logs.example"
`,
		"queue without dir": `
[logdna]
api_key = "k"

[buffer.queue]
enabled = true
max_chunks = 10
`,
		"queue without limits": `
[logdna]
api_key = "k"

[buffer.queue]
enabled = true
dir = "/tmp/q"
`,
		"bad input listen": `
[logdna]
api_key = "k"

[[input.http]]
listen = "nope"
`,
		"relative input path": `
[logdna]
api_key = "k"

[[input.http]]
listen = "127.0.0.1:9000"
path = "ingest"
`,
		"duplicate route": `
[logdna]
api_key = "k"

[[input.http]]
listen = "127.0.0.1:9000"

[[input.http]]
listen = "127.0.0.1:9000"
`,
		"bad duration": `
[logdna]
api_key = "k"
timeout = "soon"
`,
		"bad log level": `
[logdna]
api_key = "k"

[log.console]
enabled = true
level = "trace"
`,
	}

	for name, body := range cases {
		path := writeConfig(t, body)
		if _, err := config.Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

// writeConfig writes TOML payload to temporary config path.
// Params: t test handle; body TOML text.
// Returns: absolute path to temp config.
func writeConfig(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

// writeConfigDir creates a temp config directory populated with provided files.
// Params: t test handle; files map[name]body.
// Returns: absolute directory path.
func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config file %q: %v", name, err)
		}
	}

	return dir
}
