package service

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/store"
)

// MetricsConfig controls the optional Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

func (c *MetricsConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 9090
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Addr returns the host:port the metrics HTTP server should bind.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Base is the config contract every service config embeds:
// cycle interval, jitter, the circuit-breaker threshold, logging,
// metrics, and the store pool. Pool reuses store.PoolConfig directly
// rather than redefining it, since PostgresStore is the only consumer
// of its fields.
type Base struct {
	Interval               models.Duration  `yaml:"interval"`
	Jitter                 float64          `yaml:"jitter"`
	MaxConsecutiveFailures int              `yaml:"max_consecutive_failures"`
	Logging                LoggingConfig    `yaml:"logging"`
	Metrics                MetricsConfig    `yaml:"metrics"`
	Pool                   store.PoolConfig `yaml:"pool"`
}

// ApplyDefaults fills in zero-valued optional fields. Concrete service
// configs call this before Validate.
func (b *Base) ApplyDefaults() {
	if b.Interval == 0 {
		b.Interval = models.Duration(60 * time.Second)
	}
	if b.MaxConsecutiveFailures == 0 {
		b.MaxConsecutiveFailures = 5
	}
	if b.Logging.Level == "" {
		b.Logging.Level = "info"
	}
	if b.Logging.Format == "" {
		b.Logging.Format = "text"
	}
	b.Metrics.applyDefaults()
	b.Pool.ApplyDefaults()
}

// Validate enforces the config contract's floors.
func (b Base) Validate(minInterval time.Duration) error {
	if b.Interval.Std() < minInterval {
		return fmt.Errorf("interval %s is below the floor of %s", b.Interval, minInterval)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return fmt.Errorf("jitter %.2f must be within [0, 1]", b.Jitter)
	}
	if b.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be >= 1")
	}
	return b.Pool.Validate()
}

// LoadStrict decodes a YAML config file into v, rejecting any key not
// present in v's struct tags, so typos fail at decode time instead of
// being silently ignored.
func LoadStrict(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
