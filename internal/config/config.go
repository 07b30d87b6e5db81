// Package config provides unified configuration for the tickvault daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use Go duration strings
// ("24h", "5m") in both YAML and JSON.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string or integer nanosecond value.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON parses a duration string or integer nanosecond value.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return fmt.Errorf("invalid duration value: %s", string(data))
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds the unified configuration for the tickvault daemon.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Storage configuration for compressed chunk blocks
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Tables holds the per-table partitioning and lifecycle policies
	Tables []TableConfig `json:"tables" yaml:"tables"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the HTTP API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// CacheBytes is the in-memory block cache budget. Zero disables it.
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Prefix is prepended to all object paths
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// SchedulerConfig holds background scheduler configuration.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler checks for due jobs
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval"`
}

// TableConfig holds the policy record for one logical table. Policies are
// read at startup and read-only thereafter.
type TableConfig struct {
	// Name is the logical table name (e.g. "stock_quotes")
	Name string `json:"name" yaml:"name"`

	// ChunkWidth is the fixed time width of each chunk (e.g. 24h)
	ChunkWidth Duration `json:"chunk_width" yaml:"chunk_width"`

	// CompressionThreshold is the age past which closed chunks are
	// rewritten into columnar blocks
	CompressionThreshold Duration `json:"compression_threshold" yaml:"compression_threshold"`

	// RetentionThreshold is the age past which chunks are dropped
	RetentionThreshold Duration `json:"retention_threshold" yaml:"retention_threshold"`

	// Aggregates are the materialized aggregate definitions over this table
	Aggregates []AggregateConfig `json:"aggregates" yaml:"aggregates"`
}

// AggregateConfig defines one continuously refreshed OHLCV aggregate.
type AggregateConfig struct {
	// Name is the aggregate (output table) name (e.g. "stock_ohlcv_5m")
	Name string `json:"name" yaml:"name"`

	// BucketWidth is the aggregation bucket width (e.g. 5m)
	BucketWidth Duration `json:"bucket_width" yaml:"bucket_width"`

	// StartOffset is the older bound of the refresh window (now - start_offset)
	StartOffset Duration `json:"start_offset" yaml:"start_offset"`

	// EndOffset is the newer bound of the refresh window (now - end_offset)
	EndOffset Duration `json:"end_offset" yaml:"end_offset"`

	// ScheduleInterval is how often the refresh runs
	ScheduleInterval Duration `json:"schedule_interval" yaml:"schedule_interval"`
}

// DefaultConfig returns the default configuration: a single quote table with
// 5-minute and 1-hour OHLCV aggregates, mirroring the stock_quotes /
// stock_ohlcv layout.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tickvault",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Storage: StorageConfig{
			Type:       "local",
			Path:       "",
			CacheBytes: 256 << 20,
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(time.Second),
		},
		Tables: []TableConfig{
			{
				Name:                 "stock_quotes",
				ChunkWidth:           Duration(24 * time.Hour),
				CompressionThreshold: Duration(72 * time.Hour),
				RetentionThreshold:   Duration(30 * 24 * time.Hour),
				Aggregates: []AggregateConfig{
					{
						Name:             "stock_ohlcv_5m",
						BucketWidth:      Duration(5 * time.Minute),
						StartOffset:      Duration(time.Hour),
						EndOffset:        Duration(5 * time.Minute),
						ScheduleInterval: Duration(time.Minute),
					},
					{
						Name:             "stock_ohlcv_1h",
						BucketWidth:      Duration(time.Hour),
						StartOffset:      Duration(6 * time.Hour),
						EndOffset:        Duration(time.Hour),
						ScheduleInterval: Duration(10 * time.Minute),
					},
				},
			},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tickvault"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "blocks")
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = Duration(time.Second)
	}
}

// CatalogPath returns the path to the catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// SegmentDir returns the directory holding raw chunk segment files.
func (c *Config) SegmentDir() string {
	return filepath.Join(c.DataDir, "segments")
}

// JournalDir returns the directory holding handle-swap journal markers.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "swap")
}

// EnsureDirectories creates the directories the daemon needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.SegmentDir(), c.JournalDir()}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one table must be configured")
	}

	names := make(map[string]struct{})
	for i := range c.Tables {
		t := &c.Tables[i]
		if err := t.validate(names); err != nil {
			return err
		}
	}
	return nil
}

func (t *TableConfig) validate(names map[string]struct{}) error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if _, dup := names[t.Name]; dup {
		return fmt.Errorf("duplicate table name %q", t.Name)
	}
	names[t.Name] = struct{}{}

	if t.ChunkWidth <= 0 {
		return fmt.Errorf("table %s: chunk_width must be positive", t.Name)
	}
	if t.CompressionThreshold < 0 {
		return fmt.Errorf("table %s: compression_threshold must not be negative", t.Name)
	}
	if t.RetentionThreshold < 0 {
		return fmt.Errorf("table %s: retention_threshold must not be negative", t.Name)
	}
	if t.RetentionThreshold > 0 && t.CompressionThreshold > t.RetentionThreshold {
		return fmt.Errorf("table %s: compression_threshold exceeds retention_threshold", t.Name)
	}

	for _, agg := range t.Aggregates {
		if agg.Name == "" {
			return fmt.Errorf("table %s: aggregate name is required", t.Name)
		}
		if _, dup := names[agg.Name]; dup {
			return fmt.Errorf("duplicate table name %q", agg.Name)
		}
		names[agg.Name] = struct{}{}
		if agg.BucketWidth <= 0 {
			return fmt.Errorf("aggregate %s: bucket_width must be positive", agg.Name)
		}
		if agg.StartOffset <= agg.EndOffset {
			return fmt.Errorf("aggregate %s: start_offset must exceed end_offset", agg.Name)
		}
		if agg.ScheduleInterval <= 0 {
			return fmt.Errorf("aggregate %s: schedule_interval must be positive", agg.Name)
		}
	}
	return nil
}

// Table returns the policy for the named base table, or nil.
func (c *Config) Table(name string) *TableConfig {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i]
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the TICKVAULT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TICKVAULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TICKVAULT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TICKVAULT_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TICKVAULT_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TICKVAULT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TICKVAULT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TICKVAULT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TICKVAULT_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = Duration(d)
		}
	}
}
