// Package config holds the configuration for the vigil backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that can be unmarshaled from YAML, either
// as a duration string ("5m", "24h") or as a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the complete backend configuration.
type Config struct {
	// DataDir is the root directory for all on-disk state.
	DataDir string `yaml:"data_dir"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Partition configures the time-partitioned sensor store.
	Partition PartitionConfig `yaml:"partition"`

	// Ingestion configures the ingestion pipeline.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Bar configures bar sensor aggregation.
	Bar BarConfig `yaml:"bar"`

	// EMA configures exponential moving average smoothing.
	EMA EMAConfig `yaml:"ema"`

	// Policy configures the alert policy engine.
	Policy PolicyConfig `yaml:"policy"`

	// Retention configures bucket expiry and archival.
	Retention RetentionConfig `yaml:"retention"`

	// Metastore configures the environment metadata database.
	Metastore MetastoreConfig `yaml:"metastore"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON enables JSON log output.
	JSON bool `yaml:"json"`
}

// PartitionConfig configures the time-partitioned sensor store.
type PartitionConfig struct {
	// BucketPeriod is the time span covered by one bucket database.
	// New buckets are aligned to multiples of this period.
	BucketPeriod Duration `yaml:"bucket_period"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	// Workers is the number of concurrent durable-write workers.
	Workers int `yaml:"workers"`

	// QueueSize is the capacity of the pending write queue.
	QueueSize int `yaml:"queue_size"`

	// MaxFutureSkew rejects values timestamped further in the future.
	MaxFutureSkew Duration `yaml:"max_future_skew"`
}

// BarConfig configures bar sensor aggregation.
type BarConfig struct {
	// Period is the aggregation window for bar sensors. An open bar older
	// than this is closed by the watcher even without a close marker.
	Period Duration `yaml:"period"`

	// CheckInterval is how often the watcher looks for outdated bars.
	CheckInterval Duration `yaml:"check_interval"`

	// Percentile configures DDSketch percentile tracking on bars.
	Percentile PercentileConfig `yaml:"percentile"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// EMAConfig configures exponential moving average smoothing.
type EMAConfig struct {
	// Alpha is the smoothing factor in (0, 1].
	Alpha float64 `yaml:"alpha"`
}

// PolicyConfig configures the alert policy engine.
type PolicyConfig struct {
	// DedupeWindow is how long repeated triggers of one policy are merged
	// into a single alert result.
	DedupeWindow Duration `yaml:"dedupe_window"`

	// TTLCheckInterval is how often sensor timeouts are evaluated.
	TTLCheckInterval Duration `yaml:"ttl_check_interval"`
}

// RetentionConfig configures bucket expiry and archival.
type RetentionConfig struct {
	// Enabled enables the retention worker.
	Enabled bool `yaml:"enabled"`

	// MaxAge is how long bucket data is kept live. Buckets wholly older
	// than this are archived and deleted.
	MaxAge Duration `yaml:"max_age"`

	// CheckInterval is how often expired buckets are looked for.
	CheckInterval Duration `yaml:"check_interval"`

	// Archive enables Parquet export of a bucket before deletion.
	Archive bool `yaml:"archive"`
}

// MetastoreConfig configures the environment metadata database.
type MetastoreConfig struct {
	// QueryTimeout is the default timeout for metastore operations.
	QueryTimeout Duration `yaml:"query_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Logging: LoggingConfig{
			Level: "info",
		},
		Partition: PartitionConfig{
			BucketPeriod: Duration(7 * 24 * time.Hour),
		},
		Ingestion: IngestionConfig{
			Workers:       8,
			QueueSize:     10000,
			MaxFutureSkew: Duration(time.Hour),
		},
		Bar: BarConfig{
			Period:        Duration(5 * time.Minute),
			CheckInterval: Duration(30 * time.Second),
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: 0.01,
			},
		},
		EMA: EMAConfig{
			Alpha: 0.2,
		},
		Policy: PolicyConfig{
			DedupeWindow:     Duration(time.Minute),
			TTLCheckInterval: Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			Enabled:       false,
			MaxAge:        Duration(365 * 24 * time.Hour),
			CheckInterval: Duration(time.Hour),
			Archive:       true,
		},
		Metastore: MetastoreConfig{
			QueryTimeout: Duration(30 * time.Second),
		},
	}
}

// LoadFile loads configuration from a YAML file. Missing fields keep their
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Partition.BucketPeriod.Duration() < time.Hour {
		return fmt.Errorf("partition.bucket_period must be at least 1h, got %s", c.Partition.BucketPeriod)
	}
	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("ingestion.workers must be positive, got %d", c.Ingestion.Workers)
	}
	if c.Ingestion.QueueSize < 1 {
		return fmt.Errorf("ingestion.queue_size must be positive, got %d", c.Ingestion.QueueSize)
	}
	if c.Bar.Period.Duration() < time.Second {
		return fmt.Errorf("bar.period must be at least 1s, got %s", c.Bar.Period)
	}
	if c.Bar.CheckInterval.Duration() < time.Second {
		return fmt.Errorf("bar.check_interval must be at least 1s, got %s", c.Bar.CheckInterval)
	}
	if c.Bar.Percentile.Enabled {
		if c.Bar.Percentile.Accuracy <= 0 || c.Bar.Percentile.Accuracy >= 1 {
			return fmt.Errorf("bar.percentile.accuracy must be in (0, 1), got %f", c.Bar.Percentile.Accuracy)
		}
	}
	if c.EMA.Alpha <= 0 || c.EMA.Alpha > 1 {
		return fmt.Errorf("ema.alpha must be in (0, 1], got %f", c.EMA.Alpha)
	}
	if c.Policy.DedupeWindow < 0 {
		return fmt.Errorf("policy.dedupe_window cannot be negative")
	}
	if c.Retention.Enabled && c.Retention.MaxAge < c.Partition.BucketPeriod {
		return fmt.Errorf("retention.max_age must cover at least one bucket period")
	}
	return nil
}

// EnsureDirectories creates the on-disk layout if it does not exist.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.BucketsDir(),
		c.EnvironmentDir(),
		c.JournalDir(),
		c.ArchiveDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// BucketsDir returns the directory holding time-bucket databases.
func (c *Config) BucketsDir() string {
	return filepath.Join(c.DataDir, "buckets")
}

// EnvironmentDir returns the directory holding the environment databases
// (metastore and journal).
func (c *Config) EnvironmentDir() string {
	return filepath.Join(c.DataDir, "environment")
}

// MetastorePath returns the path of the metastore database file.
func (c *Config) MetastorePath() string {
	return filepath.Join(c.EnvironmentDir(), "metastore.db")
}

// JournalDir returns the directory of the journal database.
func (c *Config) JournalDir() string {
	return filepath.Join(c.EnvironmentDir(), "journal")
}

// ArchiveDir returns the directory holding archived bucket Parquet files.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}
