package blobd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/blobd/internal/core"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9420"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultSweeperInterval sets the tick frequency for the staged-block
	// retention sweeper.
	DefaultSweeperInterval = time.Hour
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config drives server construction. The zero value plus a Store URL is a
// working single-node setup; Validate fills the rest with defaults.
type Config struct {
	// Listen is the bind address, interpreted per ListenProto ("tcp" or "unix").
	Listen      string `yaml:"listen"`
	ListenProto string `yaml:"listen_proto"`

	// Store selects the backend: mem://, disk:///path, s3://host/bucket[/prefix],
	// or aws://bucket[/prefix]?region=eu-north-1.
	Store string `yaml:"store"`

	// KeyFile is the YAML account-key file backing SAS signing. The file is
	// watched and hot-reloaded. Empty disables the SAS endpoints.
	KeyFile string `yaml:"key_file"`
	// RequireAuth gates data routes behind SAS validation; container
	// public-access levels still allow anonymous reads.
	RequireAuth bool `yaml:"require_auth"`

	MetricsListen string `yaml:"metrics_listen"`
	PprofListen   string `yaml:"pprof_listen"`

	// MaxBlobBytes caps a single blob; zero selects the core default.
	MaxBlobBytes int64 `yaml:"max_blob_bytes"`
	// MaxPageCapacity caps page-blob capacity; zero selects the core default.
	MaxPageCapacity int64 `yaml:"max_page_capacity"`
	// ListPageSize is the default page size for listings.
	ListPageSize int `yaml:"list_page_size"`
	// StagedBlockRetention bounds how long uncommitted blocks survive.
	StagedBlockRetention time.Duration `yaml:"staged_block_retention"`
	// SweeperInterval is the staged-block sweeper cadence; negative disables it.
	SweeperInterval time.Duration `yaml:"sweeper_interval"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	StorageRetryMaxAttempts int           `yaml:"storage_retry_max_attempts"`
	StorageRetryBaseDelay   time.Duration `yaml:"storage_retry_base_delay"`
	StorageRetryMaxDelay    time.Duration `yaml:"storage_retry_max_delay"`
	StorageRetryMultiplier  float64       `yaml:"storage_retry_multiplier"`

	// S3AccessKeyID/S3SecretAccessKey override the ambient credential chain
	// for s3:// and aws:// stores.
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3SessionToken    string `yaml:"s3_session_token"`

	DisableHTTPTracing bool `yaml:"disable_http_tracing"`
}

// Validate normalises the config in place and reports the first problem.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: listen proto must be %q or %q", "tcp", "unix")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "", "disk", "s3", "aws":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.RequireAuth && strings.TrimSpace(c.KeyFile) == "" {
		return fmt.Errorf("config: require_auth needs a key_file to validate tokens against")
	}
	if c.MaxBlobBytes < 0 {
		return fmt.Errorf("config: max blob bytes must be >= 0")
	}
	if c.MaxPageCapacity < 0 {
		return fmt.Errorf("config: max page capacity must be >= 0")
	}
	if c.MaxPageCapacity > 0 && c.MaxPageCapacity%core.PageSize != 0 {
		return fmt.Errorf("config: max page capacity must be a multiple of %d", core.PageSize)
	}
	if c.ListPageSize < 0 {
		return fmt.Errorf("config: list page size must be >= 0")
	}
	if c.ListPageSize > core.MaxListPageSize {
		return fmt.Errorf("config: list page size must be <= %d", core.MaxListPageSize)
	}
	if c.StagedBlockRetention < 0 {
		return fmt.Errorf("config: staged block retention must be >= 0")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	return nil
}
