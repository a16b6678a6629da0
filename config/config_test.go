package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.IDCheckConcurrency != 4 {
		t.Errorf("IDCheckConcurrency = %d, want 4", cfg.IDCheckConcurrency)
	}
	if cfg.PollInterval != 3*time.Second || cfg.StaggerDelay != time.Second {
		t.Errorf("unexpected loop timings: poll=%s stagger=%s", cfg.PollInterval, cfg.StaggerDelay)
	}
	if cfg.Format != "mp4" {
		t.Errorf("Format = %q, want mp4", cfg.Format)
	}
	if cfg.PublishReady() {
		t.Errorf("PublishReady() = true without credentials")
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
retry_delay_min = 100
retry_delay_max = 250
id_check_concurrency = 12
live_urls_recheck = 45
chunks = 3
duration = 7

[paths]
claims = "/var/lib/farm/claims"
ffmpeg = "/opt/ffmpeg/bin/ffmpeg"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RetryDelayMin != 100*time.Millisecond || cfg.RetryDelayMax != 250*time.Millisecond {
		t.Errorf("retry window = [%s,%s], want [100ms,250ms]", cfg.RetryDelayMin, cfg.RetryDelayMax)
	}
	if cfg.IDCheckConcurrency != 12 {
		t.Errorf("IDCheckConcurrency = %d, want 12", cfg.IDCheckConcurrency)
	}
	if cfg.LiveURLsRecheck != 45*time.Second {
		t.Errorf("LiveURLsRecheck = %s, want 45s", cfg.LiveURLsRecheck)
	}
	if cfg.Chunks != 3 || cfg.ChunkInterval != 7*time.Second {
		t.Errorf("chunking = %d/%s, want 3/7s", cfg.Chunks, cfg.ChunkInterval)
	}
	if cfg.ClaimsDir != "/var/lib/farm/claims" {
		t.Errorf("ClaimsDir = %q", cfg.ClaimsDir)
	}
	if cfg.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("FFmpegPath = %q", cfg.FFmpegPath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("id_check_concurrency = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ID_CHECK_CONCURRENCY", "9")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("RECORD_FORMAT", ".flv")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.IDCheckConcurrency != 9 {
		t.Errorf("IDCheckConcurrency = %d, want env value 9", cfg.IDCheckConcurrency)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %s, want 10s", cfg.PollInterval)
	}
	if cfg.Format != "flv" {
		t.Errorf("Format = %q, want flv", cfg.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "explicit file missing", file: "does-not-exist.toml"},
		{name: "bad duration", env: map[string]string{"POLL_INTERVAL": "soon"}},
		{name: "bad int", env: map[string]string{"CHUNKS": "many"}},
		{name: "inverted retry window", env: map[string]string{"RETRY_DELAY_MIN": "5s", "RETRY_DELAY_MAX": "1s"}},
		{name: "zero concurrency", env: map[string]string{"ID_CHECK_CONCURRENCY": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			if tt.file != "" {
				t.Setenv("CONFIG_FILE", tt.file)
			} else {
				t.Setenv("CONFIG_FILE", "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("Load() expected error")
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.ListsDir = "lists"
	if got := cfg.MonitoredFile(); got != filepath.Join("lists", "monitored_users.txt") {
		t.Errorf("MonitoredFile() = %q", got)
	}
	if got := cfg.FeedFile(); got != filepath.Join("lists", "live_urls.txt") {
		t.Errorf("FeedFile() = %q", got)
	}
	if got := cfg.ProxiesFile(); got != filepath.Join("lists", "proxies.txt") {
		t.Errorf("ProxiesFile() = %q", got)
	}
}
