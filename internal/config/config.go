// Package config loads and validates the proxy's JSON configuration file,
// following the same load-over-defaults shape the teacher's config package
// used, generalized with environment-variable overrides and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the engine's full set of tunables: spec.md §6 plus the
// ambient-stack additions (PoolSize, OriginRateLimit, MetricsEnabled).
type Config struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	MemoryCacheSize  int64  `json:"memoryCacheSize"`
	StorageCacheSize int64  `json:"storageCacheSize"`
	SegmentSize      int64  `json:"segmentSize"`
	FirstSegmentSize int64  `json:"firstSegmentSize"`
	CustomCacheID    string `json:"customCacheId"`
	LogPrint         bool   `json:"logPrint"`
	CacheRootPath    string `json:"cacheRootPath"`

	PoolSize        int     `json:"poolSize"`
	OriginRateLimit float64 `json:"originRateLimit"`
	MetricsEnabled  bool    `json:"metricsEnabled"`
}

// Default returns the configuration spec.md §6 names as defaults.
func Default() Config {
	return Config{
		IP:               "127.0.0.1",
		Port:             20250,
		MemoryCacheSize:  100_000_000,
		StorageCacheSize: 1_000_000_000,
		SegmentSize:      2_000_000,
		FirstSegmentSize: 2_000_000,
		CustomCacheID:    "Custom-Cache-ID",
		LogPrint:         true,
		PoolSize:         4,
		OriginRateLimit:  0,
		MetricsEnabled:   true,
	}
}

// Load reads a JSON config file at path, merging it over Default(), then
// applies environment-variable overrides. A missing path is not an error:
// Load returns Default() with only env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if jerr := json.Unmarshal(data, &cfg); jerr != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, jerr)
			}
		case os.IsNotExist(err):
			// fall through to defaults + env overrides
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envPrefix namespaces every override so the proxy's env vars don't collide
// with a host app's unrelated environment.
const envPrefix = "MEDIAPROXY_"

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(envPrefix + "IP"); ok {
		cfg.IP = v
	}
	if v, ok := envInt(envPrefix + "PORT"); ok {
		cfg.Port = int(v)
	}
	if v, ok := envInt(envPrefix + "MEMORY_CACHE_SIZE"); ok {
		cfg.MemoryCacheSize = v
	}
	if v, ok := envInt(envPrefix + "STORAGE_CACHE_SIZE"); ok {
		cfg.StorageCacheSize = v
	}
	if v, ok := envInt(envPrefix + "SEGMENT_SIZE"); ok {
		cfg.SegmentSize = v
	}
	if v, ok := envInt(envPrefix + "FIRST_SEGMENT_SIZE"); ok {
		cfg.FirstSegmentSize = v
	}
	if v, ok := os.LookupEnv(envPrefix + "CUSTOM_CACHE_ID"); ok {
		cfg.CustomCacheID = v
	}
	if v, ok := os.LookupEnv(envPrefix + "CACHE_ROOT_PATH"); ok {
		cfg.CacheRootPath = v
	}
	if v, ok := envBool(envPrefix + "LOG_PRINT"); ok {
		cfg.LogPrint = v
	}
	if v, ok := envInt(envPrefix + "POOL_SIZE"); ok {
		cfg.PoolSize = int(v)
	}
	if v, ok := envFloat(envPrefix + "ORIGIN_RATE_LIMIT"); ok {
		cfg.OriginRateLimit = v
	}
	if v, ok := envBool(envPrefix + "METRICS_ENABLED"); ok {
		cfg.MetricsEnabled = v
	}
}

func envInt(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func envFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	return n, err == nil
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

// Validate rejects configurations that would make the engine's invariants
// unsatisfiable (e.g. a non-positive segment size).
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MemoryCacheSize < 0 || c.StorageCacheSize < 0 {
		return fmt.Errorf("config: cache sizes must be non-negative")
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("config: segmentSize must be positive")
	}
	if c.FirstSegmentSize <= 0 {
		return fmt.Errorf("config: firstSegmentSize must be positive")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: poolSize must be positive")
	}
	if c.OriginRateLimit < 0 {
		return fmt.Errorf("config: originRateLimit must be non-negative")
	}
	return nil
}
