package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Ingestion.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Ingestion.QueueSize = 0 }},
		{"tiny bar check interval", func(c *Config) { c.Bar.CheckInterval = Duration(time.Millisecond) }},
		{"alpha out of range", func(c *Config) { c.EMA.Alpha = 1.5 }},
		{"zero alpha", func(c *Config) { c.EMA.Alpha = 0 }},
		{"bad percentile accuracy", func(c *Config) {
			c.Bar.Percentile.Enabled = true
			c.Bar.Percentile.Accuracy = 2
		}},
		{"retention shorter than bucket period", func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.MaxAge = Duration(time.Hour)
		}},
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
data_dir: /var/lib/vigil
logging:
  level: debug
partition:
  bucket_period: 24h
ingestion:
  workers: 4
bar:
  period: 1m
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/vigil" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Partition.BucketPeriod.Duration() != 24*time.Hour {
		t.Errorf("bucket_period = %s", cfg.Partition.BucketPeriod)
	}
	if cfg.Ingestion.Workers != 4 {
		t.Errorf("workers = %d", cfg.Ingestion.Workers)
	}
	if cfg.Bar.Period.Duration() != time.Minute {
		t.Errorf("bar.period = %s", cfg.Bar.Period)
	}

	// Unset fields keep defaults.
	if cfg.Ingestion.QueueSize != DefaultConfig().Ingestion.QueueSize {
		t.Errorf("queue_size lost its default: %d", cfg.Ingestion.QueueSize)
	}

	// A missing file must stay recognizable through the wrapping, so the
	// daemon's fall-back to defaults works.
	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing-file error not fs.ErrNotExist: %v", err)
	}
}

func TestDirectoryLayout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	for _, dir := range []string{cfg.BucketsDir(), cfg.EnvironmentDir(), cfg.JournalDir(), cfg.ArchiveDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}
