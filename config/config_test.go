package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
service:
  name: amulet-scan-ingest
  environment: test

scan:
  base_url: http://localhost:8080

storage:
  root: /tmp/lake
  compression: zstd

cursor:
  dir: /tmp/state

sessions:
  - migration_id: 2
    synchronizer_id: global
    shard: -1
    min_time: 2024-01-01T00:00:00Z
    max_time: 2024-06-01T00:00:00Z
  - migration_id: 2
    synchronizer_id: global
    shard: 0
    min_time: 2024-06-01T00:00:00Z
    max_time: 2024-07-01T00:00:00Z
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scan.PageSize != 200 {
		t.Errorf("scan page_size default = %d, want 200", cfg.Scan.PageSize)
	}
	if cfg.Storage.Workers != 4 || cfg.Storage.HighWatermark != 32 || cfg.Storage.LowWatermark != 16 {
		t.Errorf("storage defaults = %d/%d/%d", cfg.Storage.Workers, cfg.Storage.HighWatermark, cfg.Storage.LowWatermark)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if len(cfg.Sessions) != 2 {
		t.Fatalf("got %d sessions", len(cfg.Sessions))
	}
	if got := cfg.Sessions[0].Label(); got != "m2/global" {
		t.Errorf("unsharded label = %q", got)
	}
	if got := cfg.Sessions[1].Label(); got != "m2/global/s0" {
		t.Errorf("sharded label = %q", got)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing base_url",
			mutate:  func(s string) string { return strings.Replace(s, "base_url: http://localhost:8080", "", 1) },
			wantErr: "base_url",
		},
		{
			name:    "no sessions",
			mutate:  func(s string) string { return s[:strings.Index(s, "sessions:")] },
			wantErr: "at least one session",
		},
		{
			name:    "missing synchronizer",
			mutate:  func(s string) string { return strings.ReplaceAll(s, "synchronizer_id: global", "") },
			wantErr: "synchronizer_id",
		},
		{
			name:    "duplicate session",
			mutate:  func(s string) string { return strings.Replace(s, "shard: 0", "shard: -1", 1) },
			wantErr: "duplicate session",
		},
		{
			name: "inverted window",
			mutate: func(s string) string {
				return strings.Replace(s, "max_time: 2024-06-01T00:00:00Z", "max_time: 2023-06-01T00:00:00Z", 1)
			},
			wantErr: "max_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
