package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"logshipper/internal/hostinfo"
)

// TestLoad_DiscoverHostFillsMissingIdentity verifies discovery only fills empty fields.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_DiscoverHostFillsMissingIdentity(t *testing.T) {
	restore := discoverIdentity
	t.Cleanup(func() { discoverIdentity = restore })
	discoverIdentity = func(context.Context) (hostinfo.Identity, error) {
		return hostinfo.Identity{Interface: "eth0", MAC: "aa:bb:cc", IP: "10.9.9.9"}, nil
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[logdna]\napi_key = \"k\"\nhostname = \"h\"\nip = \"192.168.0.1\"\ndiscover_host = true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogDNA.MAC != "aa:bb:cc" {
		t.Fatalf("expected discovered mac, got %q", cfg.LogDNA.MAC)
	}
	if cfg.LogDNA.IP != "192.168.0.1" {
		t.Fatalf("explicit ip must win, got %q", cfg.LogDNA.IP)
	}
}

// TestLoad_DiscoverHostFailure verifies discovery errors fail loading.
// Params: testing.T for assertions.
// Returns: none.
func TestLoad_DiscoverHostFailure(t *testing.T) {
	restore := discoverIdentity
	t.Cleanup(func() { discoverIdentity = restore })
	discoverIdentity = func(context.Context) (hostinfo.Identity, error) {
		return hostinfo.Identity{}, errors.New("no interfaces")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	body := "[logdna]\napi_key = \"k\"\ndiscover_host = true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected discovery error")
	}
}
