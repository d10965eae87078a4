// Package config reads a cache layout from YAML and builds it.
//
//	alias: users
//	ttl: 10m
//	heap:
//	  entries: 10000
//	  policy: 2q
//	offheap:
//	  size: 64 MiB
//	  segments: 16
//	metrics: prometheus
//
// A heap section alone builds a single on-heap store, an offheap section alone
// an off-heap store, and both a heap tier caching an off-heap authority.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Metrics backends.
const (
	MetricsNone       = "none"
	MetricsCounters   = "counters"
	MetricsPrometheus = "prometheus"
	MetricsOTel       = "otel"
)

// Policies accepted by HeapConfig.Policy.
const (
	PolicyLRU = "lru"
	Policy2Q  = "2q"
)

// ByteSize is a byte count that reads "64MiB", "1.5 GB" or a bare integer.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: line %d: byte size must be a scalar", n.Line)
	}
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) { return humanize.IBytes(uint64(b)), nil }

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config is the file layout of one cache.
type Config struct {
	Alias string `yaml:"alias"`
	// TTL is applied by every tier (0 = no expiration).
	TTL time.Duration `yaml:"ttl"`

	Heap    *HeapConfig    `yaml:"heap"`
	Offheap *OffheapConfig `yaml:"offheap"`

	// Metrics selects the statistics sink: none, counters, prometheus, otel.
	Metrics string `yaml:"metrics"`
	// EventBuffer sizes the event dispatcher queue (0 = no dispatcher).
	EventBuffer int `yaml:"event_buffer"`
	// BulkParallelism bounds concurrent partitions in bulk calls.
	BulkParallelism int `yaml:"bulk_parallelism"`
	// LogEvery throttles failure logs of the default resilience strategy.
	LogEvery time.Duration `yaml:"log_every"`
}

// HeapConfig sizes the on-heap tier by entries or by bytes, not both.
type HeapConfig struct {
	Entries int64    `yaml:"entries"`
	Size    ByteSize `yaml:"size"`
	Shards  int      `yaml:"shards"`
	Policy  string   `yaml:"policy"`
	// EvictionSample bounds the tail walk of an advisor-aware eviction.
	EvictionSample int `yaml:"eviction_sample"`
}

// OffheapConfig sizes the off-heap tier.
type OffheapConfig struct {
	Size     ByteSize `yaml:"size"`
	PageSize ByteSize `yaml:"page_size"`
	Segments int      `yaml:"segments"`
}

// Load reads and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the layout and fills defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.Heap == nil && c.Offheap == nil {
		errs = append(errs, errors.New("at least one of heap or offheap is required"))
	}
	if c.TTL < 0 {
		errs = append(errs, fmt.Errorf("ttl must not be negative, got %s", c.TTL))
	}
	if h := c.Heap; h != nil {
		switch {
		case h.Entries > 0 && h.Size > 0:
			errs = append(errs, errors.New("heap: set entries or size, not both"))
		case h.Entries <= 0 && h.Size <= 0:
			errs = append(errs, errors.New("heap: entries or size must be positive"))
		}
		if h.Policy == "" {
			h.Policy = PolicyLRU
		}
		if h.Policy != PolicyLRU && h.Policy != Policy2Q {
			errs = append(errs, fmt.Errorf("heap: unknown policy %q (use lru or 2q)", h.Policy))
		}
	}
	if o := c.Offheap; o != nil && o.Size <= 0 {
		errs = append(errs, errors.New("offheap: size must be positive"))
	}
	if c.Heap != nil && c.Offheap != nil && c.Heap.Size > 0 && int64(c.Heap.Size) >= int64(c.Offheap.Size) {
		errs = append(errs, fmt.Errorf("heap size %s must be smaller than offheap size %s", c.Heap.Size, c.Offheap.Size))
	}
	switch c.Metrics {
	case "":
		c.Metrics = MetricsNone
	case MetricsNone, MetricsCounters, MetricsPrometheus, MetricsOTel:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics backend %q", c.Metrics))
	}
	if c.EventBuffer < 0 {
		errs = append(errs, errors.New("event_buffer must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
