// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadClientConfig_Minimal(t *testing.T) {
	content := `
client:
  user: alice
server:
  address: "localhost:12345"
`
	cfg, err := LoadClientConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.User != "alice" {
		t.Errorf("expected user 'alice', got %q", cfg.Client.User)
	}
	if cfg.Client.SyncDir != "sync_dir_alice" {
		t.Errorf("expected default sync_dir 'sync_dir_alice', got %q", cfg.Client.SyncDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default logging format 'text', got %q", cfg.Logging.Format)
	}
}

func TestLoadClientConfig_ExplicitSyncDir(t *testing.T) {
	content := `
client:
  user: bob
  sync_dir: "/data/bob-mirror"
server:
  address: "localhost:12345"
`
	cfg, err := LoadClientConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.SyncDir != "/data/bob-mirror" {
		t.Errorf("expected explicit sync_dir to be preserved, got %q", cfg.Client.SyncDir)
	}
}

func TestLoadClientConfig_MissingUser(t *testing.T) {
	content := `
server:
  address: "localhost:12345"
`
	_, err := LoadClientConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for missing client.user")
	}
}

func TestLoadClientConfig_MissingServerAddress(t *testing.T) {
	content := `
client:
  user: alice
`
	_, err := LoadClientConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for missing server.address")
	}
}

func TestLoadClientConfig_FileNotFound(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/path/client.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadClientConfig_InvalidYAML(t *testing.T) {
	_, err := LoadClientConfig(writeTempConfig(t, "{{invalid yaml}}"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadServerConfig_Minimal(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:12345"
storage:
  root: /var/lib/syncd
`
	cfg, err := LoadServerConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:12345" {
		t.Errorf("expected listen '0.0.0.0:12345', got %q", cfg.Server.Listen)
	}
	if cfg.Fanout.Workers != 4 {
		t.Errorf("expected default fanout.workers 4, got %d", cfg.Fanout.Workers)
	}
	if cfg.Archive.Enabled {
		t.Error("expected archive disabled by default")
	}
}

func TestLoadServerConfig_MissingStorageRoot(t *testing.T) {
	content := `
server:
  listen: "0.0.0.0:12345"
`
	_, err := LoadServerConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for missing storage.root")
	}
}

func TestLoadServerConfig_DefaultListen(t *testing.T) {
	content := `
storage:
  root: /var/lib/syncd
`
	cfg, err := LoadServerConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != ":12345" {
		t.Errorf("expected default listen ':12345', got %q", cfg.Server.Listen)
	}
}

func TestLoadServerConfig_FanoutBandwidthLimit(t *testing.T) {
	content := `
storage:
  root: /var/lib/syncd
fanout:
  bandwidth_limit: "50mb"
`
	cfg, err := LoadServerConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := int64(50 * 1024 * 1024)
	if cfg.Fanout.BandwidthLimitRaw != expected {
		t.Errorf("expected BandwidthLimitRaw %d, got %d", expected, cfg.Fanout.BandwidthLimitRaw)
	}
}

func TestLoadServerConfig_ArchiveDefaults(t *testing.T) {
	content := `
storage:
  root: /var/lib/syncd
archive:
  enabled: true
`
	cfg, err := LoadServerConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Archive.Schedule != "0 3 * * *" {
		t.Errorf("expected default schedule '0 3 * * *', got %q", cfg.Archive.Schedule)
	}
	if cfg.Archive.StaleAfter != 720*time.Hour {
		t.Errorf("expected default stale_after 720h, got %v", cfg.Archive.StaleAfter)
	}
	if cfg.Archive.Dir != "/var/lib/syncd/.archive" {
		t.Errorf("expected default archive dir, got %q", cfg.Archive.Dir)
	}
	if cfg.Archive.Compression != "zstd" {
		t.Errorf("expected default compression 'zstd', got %q", cfg.Archive.Compression)
	}
}

func TestLoadServerConfig_ArchiveInvalidCompression(t *testing.T) {
	content := `
storage:
  root: /var/lib/syncd
archive:
  enabled: true
  compression: "lz4"
`
	_, err := LoadServerConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for invalid archive.compression")
	}
}

func TestLoadServerConfig_ArchiveS3RequiresBucket(t *testing.T) {
	content := `
storage:
  root: /var/lib/syncd
archive:
  enabled: true
  s3:
    enabled: true
`
	_, err := LoadServerConfig(writeTempConfig(t, content))
	if err == nil {
		t.Fatal("expected error for s3 enabled without bucket")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"10b":  10,
		"1kb":  1024,
		"4mb":  4 * 1024 * 1024,
		"2gb":  2 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Error("expected error for invalid size string")
	}
}
