// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissing is wrapped by validation errors for required settings.
var ErrMissing = errors.New("required setting missing")

// Config holds all docvault configuration.
type Config struct {
	// Remote service
	APIBaseURL        string
	TokenURL          string // Explicit token endpoint
	OIDCIssuerURL     string // Used to discover the token endpoint when TokenURL is empty
	ClientID          string
	ClientSecret      string
	Scopes            []string
	AccountID         string
	RequestsPerSecond float64 // 0 = unlimited
	HTTPTimeout       time.Duration

	// Retry policy
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Backup
	BackupRoot             string
	Projects               []string // Ids or names; empty = all
	EnumerationConcurrency int
	DownloadConcurrency    int
	BackupsToRotate        int
	Incremental            bool
	MinFreeBytes           int64

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics
	MetricsAddr string

	// Run history ("", "postgres", "sqlite", "mongodb")
	HistoryBackend string
	HistoryDSN     string

	// Mirror of run manifests and summaries ("", "s3", "local").
	// Empty selects s3 when a bucket is set.
	MirrorBackend string
	MirrorPath    string // root directory of the local mirror

	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Prefix    string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		APIBaseURL:        envOr("DOCVAULT_API_URL", "https://developer.api.autodesk.com"),
		TokenURL:          envOr("DOCVAULT_TOKEN_URL", ""),
		OIDCIssuerURL:     envOr("DOCVAULT_OIDC_ISSUER", ""),
		ClientID:          envOr("DOCVAULT_CLIENT_ID", ""),
		ClientSecret:      envOr("DOCVAULT_CLIENT_SECRET", ""),
		Scopes:            envList("DOCVAULT_SCOPES", []string{"data:read", "account:read"}),
		AccountID:         envOr("DOCVAULT_ACCOUNT_ID", ""),
		RequestsPerSecond: envFloat("DOCVAULT_MAX_QPS", 0),
		HTTPTimeout:       envDuration("DOCVAULT_HTTP_TIMEOUT", 10*time.Minute),

		MaxRetries:   envInt("DOCVAULT_MAX_RETRIES", 5),
		InitialDelay: envDuration("DOCVAULT_RETRY_DELAY", 5*time.Second),
		MaxDelay:     envDuration("DOCVAULT_MAX_RETRY_DELAY", 60*time.Second),

		BackupRoot:             envOr("DOCVAULT_BACKUP_ROOT", ""),
		Projects:               envList("DOCVAULT_PROJECTS", nil),
		EnumerationConcurrency: envInt("DOCVAULT_ENUMERATION_CONCURRENCY", 4),
		DownloadConcurrency:    envInt("DOCVAULT_DOWNLOAD_CONCURRENCY", 8),
		BackupsToRotate:        envInt("DOCVAULT_BACKUPS_TO_ROTATE", 3),
		Incremental:            envBool("DOCVAULT_INCREMENTAL", true),
		MinFreeBytes:           envInt64("DOCVAULT_MIN_FREE_BYTES", 10<<30), // 10GB

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "console"),
		LogFile:   envOr("LOG_FILE", ""),

		MetricsAddr: envOr("METRICS_ADDR", ""),

		HistoryBackend: envOr("DOCVAULT_HISTORY_BACKEND", ""),
		HistoryDSN:     envOr("DOCVAULT_HISTORY_DSN", ""),

		MirrorBackend: envOr("DOCVAULT_MIRROR_BACKEND", ""),
		MirrorPath:    envOr("DOCVAULT_MIRROR_PATH", ""),

		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3Bucket:    envOr("S3_BUCKET", ""),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3Prefix:    envOr("S3_PREFIX", "docvault"),
	}
}

// ValidateRemote checks the settings needed to talk to the remote service.
func (c *Config) ValidateRemote() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: DOCVAULT_CLIENT_ID", ErrMissing)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%w: DOCVAULT_CLIENT_SECRET", ErrMissing)
	}
	if c.AccountID == "" {
		return fmt.Errorf("%w: DOCVAULT_ACCOUNT_ID", ErrMissing)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("%w: DOCVAULT_API_URL", ErrMissing)
	}
	return nil
}

// ValidateBackup checks the settings needed to run a backup.
func (c *Config) ValidateBackup() error {
	if err := c.ValidateRemote(); err != nil {
		return err
	}
	if c.BackupRoot == "" {
		return fmt.Errorf("%w: DOCVAULT_BACKUP_ROOT", ErrMissing)
	}
	if c.EnumerationConcurrency < 1 {
		return fmt.Errorf("enumeration concurrency must be at least 1, got %d", c.EnumerationConcurrency)
	}
	if c.DownloadConcurrency < 1 {
		return fmt.Errorf("download concurrency must be at least 1, got %d", c.DownloadConcurrency)
	}
	if c.BackupsToRotate < 0 {
		return fmt.Errorf("backups to rotate must not be negative, got %d", c.BackupsToRotate)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	return c.validateMirror()
}

// MirrorType returns the mirror backend type, or "" when mirroring is off.
func (c *Config) MirrorType() string {
	if c.MirrorBackend != "" {
		return c.MirrorBackend
	}
	if c.S3Bucket != "" {
		return "s3"
	}
	return ""
}

func (c *Config) validateMirror() error {
	switch c.MirrorType() {
	case "":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("%w: S3_BUCKET", ErrMissing)
		}
	case "local":
		if c.MirrorPath == "" {
			return fmt.Errorf("%w: DOCVAULT_MIRROR_PATH", ErrMissing)
		}
	default:
		return fmt.Errorf("unknown mirror backend %q", c.MirrorBackend)
	}
	return nil
}

// ResolvedTokenURL returns the token endpoint, defaulting to the vendor's v2 endpoint.
// An empty string means the endpoint must be discovered from OIDCIssuerURL.
func (c *Config) ResolvedTokenURL() string {
	if c.TokenURL != "" || c.OIDCIssuerURL != "" {
		return c.TokenURL
	}
	return strings.TrimSuffix(c.APIBaseURL, "/") + "/authentication/v2/token"
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
		// Bare numbers are seconds.
		if secs, convErr := strconv.Atoi(v); convErr == nil {
			return time.Duration(secs) * time.Second
		}
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
