// Package config loads and validates the snapship configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	mib = 1024 * 1024

	// DefaultMultipartThreshold is the file size above which the multipart
	// strategy is selected.
	DefaultMultipartThreshold = 25 * mib
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Server    ServerConfig    `yaml:"server"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watch     WatchConfig     `yaml:"watch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig describes the asset service endpoint.
type ServerConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Gallery        string        `yaml:"gallery"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TransferConfig controls the transfer strategies.
type TransferConfig struct {
	// MultipartThreshold: files strictly larger than this use multipart.
	MultipartThreshold int64 `yaml:"multipart_threshold"`

	// ChunkSizeMenu is the ordered menu of candidate chunk sizes used to
	// reconstruct the server-chosen chunk size from its part count.
	ChunkSizeMenu []int64 `yaml:"chunk_size_menu"`

	// MaxConcurrentChunks bounds parallel chunk PUTs within one multipart session.
	MaxConcurrentChunks int `yaml:"max_concurrent_chunks"`

	// ChunkRetries is the number of retries per chunk after the first attempt.
	ChunkRetries int `yaml:"chunk_retries"`

	// ChunkRetryDelay is the delay before the first chunk retry; it doubles
	// on each subsequent retry.
	ChunkRetryDelay time.Duration `yaml:"chunk_retry_delay"`

	// SpeedLimit caps upload bandwidth in bytes/second. 0 disables throttling.
	SpeedLimit int64 `yaml:"speed_limit"`
}

// SchedulerConfig controls queue-level concurrency.
type SchedulerConfig struct {
	// MaxConcurrentSmallFiles bounds simultaneously running single-part tasks.
	MaxConcurrentSmallFiles int `yaml:"max_concurrent_small_files"`

	// CompletedDisplayDelay keeps a finished task visible on the status
	// stream before it is removed.
	CompletedDisplayDelay time.Duration `yaml:"completed_display_delay"`
}

// WatchConfig controls folder watching and file readiness checks.
type WatchConfig struct {
	// CheckInterval is the pause between consecutive size samples.
	CheckInterval time.Duration `yaml:"check_interval"`

	// StableSamples is how many equal consecutive samples mark a file stable.
	StableSamples int `yaml:"stable_samples"`

	// MaxAttempts bounds readiness sampling before a forced release.
	MaxAttempts int `yaml:"max_attempts"`

	// IngestRetries bounds upload retries per ingested file.
	IngestRetries int `yaml:"ingest_retries"`

	// IngestRetryDelay is the fixed delay between ingest retries.
	IngestRetryDelay time.Duration `yaml:"ingest_retry_delay"`

	// StateDir holds persisted per-folder event cursors.
	StateDir string `yaml:"state_dir"`

	// TransientSuffixes are filename endings treated as still-being-written.
	TransientSuffixes []string `yaml:"transient_suffixes"`

	// UsePolling forces the polling backend instead of native notifications.
	UsePolling bool `yaml:"use_polling"`

	// PollInterval is the scan period of the polling backend.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Configuration {
	stateDir := ".snapship"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".snapship")
	}

	return &Configuration{
		Server: ServerConfig{
			RequestTimeout: 60 * time.Second,
		},
		Transfer: TransferConfig{
			MultipartThreshold:  DefaultMultipartThreshold,
			ChunkSizeMenu:       []int64{10 * mib, 100 * mib, 250 * mib},
			MaxConcurrentChunks: 5,
			ChunkRetries:        3,
			ChunkRetryDelay:     time.Second,
			SpeedLimit:          0,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentSmallFiles: 3,
			CompletedDisplayDelay:   2 * time.Second,
		},
		Watch: WatchConfig{
			CheckInterval:     500 * time.Millisecond,
			StableSamples:     2,
			MaxAttempts:       10,
			IngestRetries:     3,
			IngestRetryDelay:  2 * time.Second,
			StateDir:          stateDir,
			TransientSuffixes: []string{".tmp", ".part", ".crdownload", ".download"},
			PollInterval:      time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file, applying defaults for absent fields.
func Load(path string) (*Configuration, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Configuration) Validate() error {
	if c.Transfer.MultipartThreshold <= 0 {
		return fmt.Errorf("transfer.multipart_threshold must be positive, got %d", c.Transfer.MultipartThreshold)
	}
	if len(c.Transfer.ChunkSizeMenu) == 0 {
		return fmt.Errorf("transfer.chunk_size_menu must not be empty")
	}
	for i, size := range c.Transfer.ChunkSizeMenu {
		if size <= 0 {
			return fmt.Errorf("transfer.chunk_size_menu[%d] must be positive, got %d", i, size)
		}
		if i > 0 && size <= c.Transfer.ChunkSizeMenu[i-1] {
			return fmt.Errorf("transfer.chunk_size_menu must be strictly ascending")
		}
	}
	if c.Transfer.MaxConcurrentChunks <= 0 {
		return fmt.Errorf("transfer.max_concurrent_chunks must be positive, got %d", c.Transfer.MaxConcurrentChunks)
	}
	if c.Scheduler.MaxConcurrentSmallFiles <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_small_files must be positive, got %d", c.Scheduler.MaxConcurrentSmallFiles)
	}
	if c.Watch.CheckInterval <= 0 {
		return fmt.Errorf("watch.check_interval must be positive, got %v", c.Watch.CheckInterval)
	}
	if c.Watch.StableSamples < 2 {
		return fmt.Errorf("watch.stable_samples must be at least 2, got %d", c.Watch.StableSamples)
	}
	if c.Watch.MaxAttempts < c.Watch.StableSamples {
		return fmt.Errorf("watch.max_attempts (%d) must not be below watch.stable_samples (%d)",
			c.Watch.MaxAttempts, c.Watch.StableSamples)
	}
	return nil
}

// ShouldUseMultipart reports whether a file of the given size takes the
// multipart strategy.
func (c *TransferConfig) ShouldUseMultipart(fileSize int64) bool {
	return fileSize > c.MultipartThreshold
}
