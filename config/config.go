// Package config loads the farm configuration and provides a typed Config used across the service.
// Values come from three layers, later layers winning: built-in defaults, an optional TOML file
// (CONFIG_FILE, default config/config.toml) and environment variables. It applies sensible defaults
// so the binary can run locally with nothing but ffmpeg on PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultFile is read when CONFIG_FILE is unset. A missing default file is not an error.
const DefaultFile = "config/config.toml"

type Config struct {
	// Filesystem layout
	ClaimsDir   string
	SegmentsDir string
	OutputDir   string
	ListsDir    string
	LinksFile   string
	Format      string // recording container extension, without dot

	// Recorder
	FFmpegPath string

	// Resolver
	RetryDelayMin      time.Duration
	RetryDelayMax      time.Duration
	IDCheckConcurrency int
	LiveURLsRecheck    time.Duration
	RequestTimeout     time.Duration
	RoomInfoURL        string
	Chunks             int
	ChunkInterval      time.Duration

	// Orchestrator
	PollInterval  time.Duration
	StaggerDelay  time.Duration
	ReadBackoff   time.Duration
	MaxCaptures   int
	WatchSnapshot bool
	DrainGrace    time.Duration // shutdown: wait for captures, then interrupt recorders

	// Status server
	HTTPAddr string

	// Capture catalog (optional)
	DBDsn         string
	EncryptionKey string // base64 AES-256 key for stored OAuth tokens

	// YouTube publishing (optional)
	YTClientID     string
	YTClientSecret string
	YTRefreshToken string
	YTPrivacy      string
}

// fileConfig mirrors the TOML keys. Delays keep the units operators already use:
// retry delays in milliseconds, intervals in seconds.
type fileConfig struct {
	RetryDelayMin      *int64 `toml:"retry_delay_min"`
	RetryDelayMax      *int64 `toml:"retry_delay_max"`
	IDCheckConcurrency *int   `toml:"id_check_concurrency"`
	LiveURLsRecheck    *int64 `toml:"live_urls_recheck"`
	Chunks             *int   `toml:"chunks"`
	Duration           *int64 `toml:"duration"`
	MaxCaptures        *int   `toml:"max_captures"`

	Paths struct {
		Claims   string `toml:"claims"`
		Segments string `toml:"segments"`
		Output   string `toml:"output"`
		Lists    string `toml:"lists"`
		Links    string `toml:"links"`
		FFmpeg   string `toml:"ffmpeg"`
	} `toml:"paths"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ClaimsDir:          "lock_files",
		SegmentsDir:        "segments",
		OutputDir:          "videos",
		ListsDir:           filepath.Join("config", "lists"),
		LinksFile:          filepath.Join("json", "stream_links.json"),
		Format:             "mp4",
		FFmpegPath:         "ffmpeg",
		RetryDelayMin:      500 * time.Millisecond,
		RetryDelayMax:      2 * time.Second,
		IDCheckConcurrency: 4,
		LiveURLsRecheck:    60 * time.Second,
		RequestTimeout:     30 * time.Second,
		RoomInfoURL:        "https://webcast.tiktok.com/webcast/room/info/?aid=1988",
		Chunks:             10,
		ChunkInterval:      5 * time.Second,
		PollInterval:       3 * time.Second,
		StaggerDelay:       time.Second,
		ReadBackoff:        3 * time.Second,
		WatchSnapshot:      true,
		DrainGrace:         30 * time.Second,
		HTTPAddr:           ":8080",
		YTPrivacy:          "private",
	}
}

// Load reads CONFIG_FILE (or DefaultFile), applies environment overrides and validates the result.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			// no file: defaults + env only
		} else {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.RetryDelayMin != nil {
		c.RetryDelayMin = time.Duration(*fc.RetryDelayMin) * time.Millisecond
	}
	if fc.RetryDelayMax != nil {
		c.RetryDelayMax = time.Duration(*fc.RetryDelayMax) * time.Millisecond
	}
	if fc.IDCheckConcurrency != nil {
		c.IDCheckConcurrency = *fc.IDCheckConcurrency
	}
	if fc.LiveURLsRecheck != nil {
		c.LiveURLsRecheck = time.Duration(*fc.LiveURLsRecheck) * time.Second
	}
	if fc.Chunks != nil {
		c.Chunks = *fc.Chunks
	}
	if fc.Duration != nil {
		c.ChunkInterval = time.Duration(*fc.Duration) * time.Second
	}
	if fc.MaxCaptures != nil {
		c.MaxCaptures = *fc.MaxCaptures
	}
	setIf(&c.ClaimsDir, fc.Paths.Claims)
	setIf(&c.SegmentsDir, fc.Paths.Segments)
	setIf(&c.OutputDir, fc.Paths.Output)
	setIf(&c.ListsDir, fc.Paths.Lists)
	setIf(&c.LinksFile, fc.Paths.Links)
	setIf(&c.FFmpegPath, fc.Paths.FFmpeg)
	return nil
}

func (c *Config) mergeEnv() error {
	setIf(&c.ClaimsDir, os.Getenv("CLAIMS_DIR"))
	setIf(&c.SegmentsDir, os.Getenv("SEGMENTS_DIR"))
	setIf(&c.OutputDir, os.Getenv("OUTPUT_DIR"))
	setIf(&c.ListsDir, os.Getenv("LISTS_DIR"))
	setIf(&c.LinksFile, os.Getenv("LINKS_FILE"))
	setIf(&c.FFmpegPath, os.Getenv("FFMPEG_PATH"))
	setIf(&c.RoomInfoURL, os.Getenv("ROOM_INFO_URL"))
	setIf(&c.HTTPAddr, os.Getenv("HTTP_ADDR"))
	setIf(&c.DBDsn, os.Getenv("DB_DSN"))
	setIf(&c.EncryptionKey, os.Getenv("ENCRYPTION_KEY"))
	setIf(&c.YTClientID, os.Getenv("YT_CLIENT_ID"))
	setIf(&c.YTClientSecret, os.Getenv("YT_CLIENT_SECRET"))
	setIf(&c.YTRefreshToken, os.Getenv("YT_REFRESH_TOKEN"))
	setIf(&c.YTPrivacy, os.Getenv("YT_PRIVACY"))
	if v := os.Getenv("RECORD_FORMAT"); v != "" {
		c.Format = strings.TrimPrefix(v, ".")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RETRY_DELAY_MIN", &c.RetryDelayMin},
		{"RETRY_DELAY_MAX", &c.RetryDelayMax},
		{"LIVE_URLS_RECHECK", &c.LiveURLsRecheck},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"CHUNK_INTERVAL", &c.ChunkInterval},
		{"POLL_INTERVAL", &c.PollInterval},
		{"STAGGER_DELAY", &c.StaggerDelay},
		{"READ_BACKOFF", &c.ReadBackoff},
		{"DRAIN_GRACE", &c.DrainGrace},
	}
	for _, d := range durations {
		if s := os.Getenv(d.key); s != "" {
			v, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid %s (duration): %w", d.key, err)
			}
			*d.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ID_CHECK_CONCURRENCY", &c.IDCheckConcurrency},
		{"CHUNKS", &c.Chunks},
		{"MAX_CAPTURES", &c.MaxCaptures},
	}
	for _, n := range ints {
		if s := os.Getenv(n.key); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("invalid %s (int): %w", n.key, err)
			}
			*n.dst = v
		}
	}

	if os.Getenv("WATCH_SNAPSHOT") == "0" {
		c.WatchSnapshot = false
	}
	return nil
}

// Validate rejects configurations the loops cannot run with.
func (c *Config) Validate() error {
	if c.RetryDelayMin < 0 || c.RetryDelayMax < c.RetryDelayMin {
		return fmt.Errorf("retry delay window invalid: min=%s max=%s", c.RetryDelayMin, c.RetryDelayMax)
	}
	if c.IDCheckConcurrency <= 0 {
		return fmt.Errorf("id_check_concurrency must be > 0, got %d", c.IDCheckConcurrency)
	}
	if c.Chunks <= 0 {
		return fmt.Errorf("chunks must be > 0, got %d", c.Chunks)
	}
	if c.MaxCaptures < 0 {
		return fmt.Errorf("max_captures must be >= 0, got %d", c.MaxCaptures)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if c.Format == "" {
		return fmt.Errorf("record format empty")
	}
	return nil
}

// PublishReady reports whether YouTube credentials are configured.
func (c *Config) PublishReady() bool {
	return c.YTClientID != "" && c.YTClientSecret != "" && c.YTRefreshToken != ""
}

// FeedFile is the harvester-written list of live page URLs.
func (c *Config) FeedFile() string { return filepath.Join(c.ListsDir, "live_urls.txt") }

// ProxiesFile lists host:port proxies, one per line.
func (c *Config) ProxiesFile() string { return filepath.Join(c.ListsDir, "proxies.txt") }

// MonitoredFile is the resolver's identity = room id snapshot.
func (c *Config) MonitoredFile() string { return filepath.Join(c.ListsDir, "monitored_users.txt") }

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
