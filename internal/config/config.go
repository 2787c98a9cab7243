// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds docsync configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics endpoint ("" disables it)
	MetricsAddr string

	// Local storage
	DocumentsDir string
	CacheDir     string

	// Settings store DSN: file://, memory://, sqlite://, postgres://
	SettingsDSN string

	// Optional JSON file with statically configured backends
	BackendsFile string

	// Document types the engine lists
	FileExtensions []string

	// Sync
	SyncTimeout     time.Duration
	RefreshSchedule string

	// Content cache for remote backends (bytes, 0 = unlimited)
	ContentCacheMaxBytes int64

	// Cloud (S3-compatible) folder
	CloudEndpoint     string
	CloudBucket       string
	CloudRegion       string
	CloudAccessKey    string
	CloudSecretKey    string
	CloudPrefix       string
	CloudPollInterval time.Duration
	CloudPathStyle    bool

	// Dropbox
	DropboxAppKey            string
	DropboxAppSecret         string
	DropboxRedirectURL       string
	DropboxAPI               string // classic or core
	DropboxRequestsPerSecond float64

	// Thumbnails
	ThumbnailSize          int
	ThumbnailConcurrency   int
	ThumbnailMemoryEntries int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		cacheRoot = os.TempDir()
	}

	cfg := &Config{
		LogLevel:                 envOr("LOG_LEVEL", "info"),
		LogFormat:                envOr("LOG_FORMAT", "console"),
		MetricsAddr:              envOr("METRICS_ADDR", ""),
		DocumentsDir:             envOr("DOCUMENTS_DIR", filepath.Join(home, "Documents")),
		CacheDir:                 envOr("CACHE_DIR", filepath.Join(cacheRoot, "docsync")),
		BackendsFile:             envOr("BACKENDS_FILE", ""),
		FileExtensions:           envList("FILE_EXTENSIONS", []string{".txt", ".md"}),
		SyncTimeout:              envDuration("SYNC_TIMEOUT", 5*time.Second),
		RefreshSchedule:          envOr("REFRESH_SCHEDULE", "@every 15m"),
		ContentCacheMaxBytes:     envInt64("CONTENT_CACHE_MAX_BYTES", 256*1024*1024),
		CloudEndpoint:            envOr("CLOUD_ENDPOINT", ""),
		CloudBucket:              envOr("CLOUD_BUCKET", ""),
		CloudRegion:              envOr("CLOUD_REGION", "us-east-1"),
		CloudAccessKey:           envOr("CLOUD_ACCESS_KEY", ""),
		CloudSecretKey:           envOr("CLOUD_SECRET_KEY", ""),
		CloudPrefix:              envOr("CLOUD_PREFIX", ""),
		CloudPollInterval:        envDuration("CLOUD_POLL_INTERVAL", 30*time.Second),
		CloudPathStyle:           envBool("CLOUD_PATH_STYLE", true),
		DropboxAppKey:            envOr("DROPBOX_APP_KEY", ""),
		DropboxAppSecret:         envOr("DROPBOX_APP_SECRET", ""),
		DropboxRedirectURL:       envOr("DROPBOX_REDIRECT_URL", ""),
		DropboxAPI:               envOr("DROPBOX_API", "core"),
		DropboxRequestsPerSecond: envFloat("DROPBOX_REQUESTS_PER_SECOND", 8),
		ThumbnailSize:            envInt("THUMBNAIL_SIZE", 256),
		ThumbnailConcurrency:     envInt("THUMBNAIL_CONCURRENCY", 4),
		ThumbnailMemoryEntries:   envInt("THUMBNAIL_MEMORY_ENTRIES", 50),
	}
	cfg.SettingsDSN = envOr("SETTINGS_DSN", "file://"+filepath.Join(cfg.CacheDir, "settings.json"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	if c.DocumentsDir == "" {
		return fmt.Errorf("DOCUMENTS_DIR is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("CACHE_DIR is required")
	}
	switch c.DropboxAPI {
	case "classic", "core":
	default:
		return fmt.Errorf("DROPBOX_API must be classic or core, got %q", c.DropboxAPI)
	}
	if c.ThumbnailConcurrency < 1 {
		return fmt.Errorf("THUMBNAIL_CONCURRENCY must be at least 1")
	}
	if c.ThumbnailMemoryEntries < 1 {
		return fmt.Errorf("THUMBNAIL_MEMORY_ENTRIES must be at least 1")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}
	return nil
}

// CloudConfigured reports whether a cloud folder is set up.
func (c *Config) CloudConfigured() bool {
	return c.CloudBucket != ""
}

// DropboxConfigured reports whether Dropbox linking is possible.
func (c *Config) DropboxConfigured() bool {
	return c.DropboxAppKey != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList parses a comma separated list, normalizing extensions to ".ext".
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
