// Package config handles configuration loading and validation for clinigate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clinigate/clinigate/pkg/bytesize"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("duration must be a string (e.g., 30s, 5m)")
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MLLPConfig holds configuration for the MLLP (framed TCP) listener.
type MLLPConfig struct {
	Listen         string   `yaml:"listen"`          // host:port (default ":2575")
	MaxConnections int      `yaml:"max_connections"` // concurrent session cap
	ClientTimeout  Duration `yaml:"client_timeout"`  // per-read/write deadline
	DisableAck     bool     `yaml:"disable_ack"`     // suppress all acknowledgments
	BufferSize     int      `yaml:"buffer_size"`
	StartMarker    byte     `yaml:"start_marker"` // default 0x0B (VT)
	EndMarker      byte     `yaml:"end_marker"`   // default 0x1C (FS)
}

// HTTPConfig holds configuration for the bulk-ingest HTTP server.
type HTTPConfig struct {
	Listen        string        `yaml:"listen"` // host:port (default ":5000")
	MaxUploadSize bytesize.Size `yaml:"max_upload_size"`
}

// StorageConfig holds local staging and durable-upload configuration.
type StorageConfig struct {
	StagingDir        string        `yaml:"staging_dir"`
	Watermark         int           `yaml:"watermark"`     // percent of capacity held in reserve
	ReserveSpace      bytesize.Size `yaml:"reserve_space"` // absolute floor
	ConcurrentUploads int           `yaml:"concurrent_uploads"`
	RetryDelays       []Duration    `yaml:"retry_delays"` // upload put+verify schedule
}

// PayloadConfig holds grouping-engine configuration.
type PayloadConfig struct {
	QuietPeriod       Duration            `yaml:"quiet_period"`        // default window
	QuietPeriods      map[string]Duration `yaml:"quiet_periods"`       // per ingestion source
	ReaperInterval    Duration            `yaml:"reaper_interval"`     // poll interval
	NotifyRetryDelays []Duration          `yaml:"notify_retry_delays"` // hand-off schedule
}

// ObjectStoreConfig holds the S3-compatible object storage target.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"` // empty = AWS default resolution
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"` // required for MinIO
}

// NotifyConfig holds the downstream payload-ready notification target.
type NotifyConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Stream    string `yaml:"stream"`
}

// Config is the root configuration for the gateway.
type Config struct {
	MLLP        MLLPConfig        `yaml:"mllp"`
	HTTP        HTTPConfig        `yaml:"http"`
	Storage     StorageConfig     `yaml:"storage"`
	Payload     PayloadConfig     `yaml:"payload"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// Load loads gateway configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.MLLP.Listen == "" {
		c.MLLP.Listen = ":2575"
	}
	if c.MLLP.MaxConnections == 0 {
		c.MLLP.MaxConnections = 10
	}
	if c.MLLP.ClientTimeout == 0 {
		c.MLLP.ClientTimeout = Duration(60 * time.Second)
	}
	if c.MLLP.BufferSize == 0 {
		c.MLLP.BufferSize = 10240
	}
	if c.MLLP.StartMarker == 0 {
		c.MLLP.StartMarker = 0x0B
	}
	if c.MLLP.EndMarker == 0 {
		c.MLLP.EndMarker = 0x1C
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":5000"
	}
	// Request bodies are held in memory while their parts are validated,
	// so the cap doubles as a memory bound.
	if c.HTTP.MaxUploadSize == 0 {
		c.HTTP.MaxUploadSize = bytesize.Size(100 * bytesize.MB)
	}

	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = "/var/lib/clinigate/staging"
	}
	if strings.HasPrefix(c.Storage.StagingDir, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			c.Storage.StagingDir = filepath.Join(homeDir, c.Storage.StagingDir[2:])
		}
	}
	if c.Storage.Watermark == 0 {
		c.Storage.Watermark = 25
	}
	if c.Storage.ReserveSpace == 0 {
		c.Storage.ReserveSpace = bytesize.Size(5 * bytesize.GB)
	}
	if c.Storage.ConcurrentUploads == 0 {
		c.Storage.ConcurrentUploads = 2
	}
	if len(c.Storage.RetryDelays) == 0 {
		c.Storage.RetryDelays = defaultRetryDelays()
	}

	if c.Payload.QuietPeriod == 0 {
		c.Payload.QuietPeriod = Duration(5 * time.Second)
	}
	if c.Payload.ReaperInterval == 0 {
		c.Payload.ReaperInterval = Duration(time.Second)
	}
	if len(c.Payload.NotifyRetryDelays) == 0 {
		c.Payload.NotifyRetryDelays = defaultRetryDelays()
	}

	if c.ObjectStore.Region == "" {
		c.ObjectStore.Region = "us-east-1"
	}
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = "clinigate-staged"
	}

	if c.Notify.Stream == "" {
		c.Notify.Stream = "clinigate.payload.ready"
	}
}

func defaultRetryDelays() []Duration {
	return []Duration{
		Duration(250 * time.Millisecond),
		Duration(500 * time.Millisecond),
		Duration(time.Second),
	}
}

// Validate checks configuration invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Storage.Watermark < 0 || c.Storage.Watermark > 100 {
		return fmt.Errorf("storage watermark must be 0-100, got %d", c.Storage.Watermark)
	}
	if c.MLLP.MaxConnections < 1 {
		return fmt.Errorf("mllp max_connections must be at least 1, got %d", c.MLLP.MaxConnections)
	}
	if c.MLLP.StartMarker == c.MLLP.EndMarker {
		return fmt.Errorf("mllp start and end markers must differ")
	}
	return nil
}

// QuietPeriodFor returns the quiet period configured for an ingestion source,
// falling back to the default window.
func (c *Config) QuietPeriodFor(source string) time.Duration {
	if d, ok := c.Payload.QuietPeriods[source]; ok {
		return d.Std()
	}
	return c.Payload.QuietPeriod.Std()
}

// RetryDelaysFor converts a configured schedule into time.Durations.
func RetryDelaysFor(delays []Duration) []time.Duration {
	out := make([]time.Duration, len(delays))
	for i, d := range delays {
		out[i] = d.Std()
	}
	return out
}
