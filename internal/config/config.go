package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultMaxEntryBytes caps one entry at 1 GiB of K and V storage.
const DefaultMaxEntryBytes = 1 << 30

// MaxHandleSlots is the number of slots addressable by a KV handle.
const MaxHandleSlots = 1<<16 - 1

type Config struct {
	// KV store
	MaxEntries    int
	MaxCacheBytes int64 // 0 = unlimited
	MaxEntryBytes int64 // K and V storage of a single entry

	// Decode orchestration
	DecodeWorkers int

	// Device probe
	RequireFeatures []string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	FlightAddr  string
}

func (c *Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("invalid max_entries: %d (must be positive)", c.MaxEntries)
	}
	if c.MaxEntries > MaxHandleSlots {
		return fmt.Errorf("invalid max_entries: %d (must be <= %d)", c.MaxEntries, MaxHandleSlots)
	}
	if c.MaxCacheBytes < 0 {
		return fmt.Errorf("invalid max_cache_bytes: %d (must be non-negative)", c.MaxCacheBytes)
	}
	if c.MaxEntryBytes <= 0 {
		return fmt.Errorf("invalid max_entry_bytes: %d (must be positive)", c.MaxEntryBytes)
	}
	if c.DecodeWorkers <= 0 {
		return fmt.Errorf("invalid decode_workers: %d (must be positive)", c.DecodeWorkers)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (console or json)", c.LogFormat)
	}
	return nil
}

func Default() Config {
	return Config{
		MaxEntries:    4096,
		MaxEntryBytes: DefaultMaxEntryBytes,
		DecodeWorkers: runtime.NumCPU(),
		LogLevel:      "info",
		LogFormat:     "console",
		MetricsAddr:   ":9090",
		FlightAddr:    "localhost:3000",
	}
}

// EnvVar describes one environment override.
type EnvVar struct {
	Name        string
	Description string
}

func Vars() []EnvVar {
	return []EnvVar{
		{"KVK_MAX_ENTRIES", "Maximum live KV cache handles (default 4096)"},
		{"KVK_MAX_CACHE_BYTES", "Byte budget for KV cache storage, 0 for unlimited"},
		{"KVK_MAX_ENTRY_BYTES", "Byte ceiling for a single KV cache entry (default 1 GiB)"},
		{"KVK_DECODE_WORKERS", "Sequences processed in parallel by a decode step (default NumCPU)"},
		{"KVK_REQUIRE_FEATURES", "Comma separated CPU features the device must expose (e.g. AVX2,FMA3)"},
		{"KVK_LOG_LEVEL", "debug, info, warn or error"},
		{"KVK_LOG_FORMAT", "console or json"},
		{"KVK_METRICS_ADDR", "Listen address of the monitoring server"},
		{"KVK_FLIGHT_ADDR", "Arrow Flight endpoint for KV snapshots"},
	}
}

// FromEnv starts from Default and applies KVK_* overrides.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()

	if v, ok := lookup("KVK_MAX_ENTRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return c, fmt.Errorf("KVK_MAX_ENTRIES: %w", err)
		}
		c.MaxEntries = n
	}
	if v, ok := lookup("KVK_MAX_CACHE_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return c, fmt.Errorf("KVK_MAX_CACHE_BYTES: %w", err)
		}
		c.MaxCacheBytes = n
	}
	if v, ok := lookup("KVK_MAX_ENTRY_BYTES"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return c, fmt.Errorf("KVK_MAX_ENTRY_BYTES: %w", err)
		}
		c.MaxEntryBytes = n
	}
	if v, ok := lookup("KVK_DECODE_WORKERS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return c, fmt.Errorf("KVK_DECODE_WORKERS: %w", err)
		}
		c.DecodeWorkers = n
	}
	if v, ok := lookup("KVK_REQUIRE_FEATURES"); ok {
		c.RequireFeatures = splitList(v)
	}
	if v, ok := lookup("KVK_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("KVK_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("KVK_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookup("KVK_FLIGHT_ADDR"); ok {
		c.FlightAddr = v
	}

	return c, c.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
