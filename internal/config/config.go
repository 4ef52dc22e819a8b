// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	SourceURLs   []string
	DatabasePath string
	ListenAddr   string
	LogLevel     string

	ArchiveDays      int
	FutureDays       int
	FetchConcurrency int
	FetchInterval    time.Duration
	ParseTimeout     time.Duration

	InsertChunkSize  int
	DownloadAttempts int
	DownloadBackoff  time.Duration
	DownloadTimeout  time.Duration

	DBCacheSizeKB        int
	CheckpointRetries    int
	CheckpointBackoff    time.Duration
	CheckpointBackoffMax time.Duration
}

// Load reads configuration from environment variables. An empty source
// list is not an error here: the service can start and serve stored data;
// the fetch pipeline reports the configuration error per cycle.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:         getEnv("DATABASE_PATH", "./data/epg.db"),
		ListenAddr:           getEnv("LISTEN_ADDR", ":8000"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		ArchiveDays:          14,
		FutureDays:           7,
		FetchConcurrency:     4,
		FetchInterval:        12 * time.Hour,
		ParseTimeout:         120 * time.Second,
		InsertChunkSize:      20000,
		DownloadAttempts:     3,
		DownloadBackoff:      500 * time.Millisecond,
		DownloadTimeout:      120 * time.Second,
		DBCacheSizeKB:        64000,
		CheckpointRetries:    5,
		CheckpointBackoff:    100 * time.Millisecond,
		CheckpointBackoffMax: 2 * time.Second,
	}

	if raw := os.Getenv("EPG_SOURCE_URLS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			u, err := url.Parse(s)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, fmt.Errorf("invalid source URL %q in EPG_SOURCE_URLS", s)
			}
			cfg.SourceURLs = append(cfg.SourceURLs, s)
		}
	}

	var err error
	if cfg.ArchiveDays, err = getEnvInt("ARCHIVE_DAYS", cfg.ArchiveDays); err != nil {
		return nil, err
	}
	if cfg.FutureDays, err = getEnvInt("FUTURE_DAYS", cfg.FutureDays); err != nil {
		return nil, err
	}
	if cfg.FetchConcurrency, err = getEnvInt("FETCH_CONCURRENCY", cfg.FetchConcurrency); err != nil {
		return nil, err
	}
	if cfg.InsertChunkSize, err = getEnvInt("INSERT_CHUNK_SIZE", cfg.InsertChunkSize); err != nil {
		return nil, err
	}
	if cfg.DownloadAttempts, err = getEnvInt("DOWNLOAD_ATTEMPTS", cfg.DownloadAttempts); err != nil {
		return nil, err
	}
	if cfg.DBCacheSizeKB, err = getEnvInt("DB_CACHE_SIZE_KB", cfg.DBCacheSizeKB); err != nil {
		return nil, err
	}
	if cfg.CheckpointRetries, err = getEnvInt("CHECKPOINT_RETRIES", cfg.CheckpointRetries); err != nil {
		return nil, err
	}
	if cfg.FetchInterval, err = getEnvDuration("FETCH_INTERVAL", cfg.FetchInterval); err != nil {
		return nil, err
	}
	if cfg.ParseTimeout, err = getEnvDuration("PARSE_TIMEOUT", cfg.ParseTimeout); err != nil {
		return nil, err
	}
	if cfg.DownloadBackoff, err = getEnvDuration("DOWNLOAD_BACKOFF", cfg.DownloadBackoff); err != nil {
		return nil, err
	}
	if cfg.DownloadTimeout, err = getEnvDuration("DOWNLOAD_TIMEOUT", cfg.DownloadTimeout); err != nil {
		return nil, err
	}
	if cfg.CheckpointBackoff, err = getEnvDuration("CHECKPOINT_BACKOFF", cfg.CheckpointBackoff); err != nil {
		return nil, err
	}
	if cfg.CheckpointBackoffMax, err = getEnvDuration("CHECKPOINT_BACKOFF_MAX", cfg.CheckpointBackoffMax); err != nil {
		return nil, err
	}

	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("DATABASE_PATH must not be empty")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
