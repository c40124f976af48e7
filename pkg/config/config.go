package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first existing file wins.
var DefaultConfigPaths = []string{
	"wattvault.yaml",
	"wattvault.yml",
	"/etc/wattvault/config.yaml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "WATTVAULT_CONFIG"

// Config is the full daemon configuration. Defaults are applied first,
// then the config file, then WATTVAULT_* environment variables.
type Config struct {
	DataDir    string `koanf:"data_dir"`
	ListenAddr string `koanf:"listen_addr"`
	LogLevel   string `koanf:"log_level"`

	Storage   StorageConfig   `koanf:"storage"`
	Chunks    ChunkConfig     `koanf:"chunks"`
	Rollup    RollupConfig    `koanf:"rollup"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Pricing   PricingConfig   `koanf:"pricing"`
}

// StorageConfig tunes the badger backend.
type StorageConfig struct {
	InMemory    bool  `koanf:"in_memory"`
	MaxMemoryMB int64 `koanf:"max_memory_mb"`
}

// ChunkConfig shapes the chunk lifecycle for raw and cost tables.
type ChunkConfig struct {
	Width            time.Duration `koanf:"width"`
	CompressAfter    time.Duration `koanf:"compress_after"`
	RetainRaw        time.Duration `koanf:"retain_raw"`
	RetainCost       time.Duration `koanf:"retain_cost"`
	AcceptLateWrites bool          `koanf:"accept_late_writes"`
}

// RollupConfig shapes rollup refresh and retention.
type RollupConfig struct {
	WatermarkLag time.Duration `koanf:"watermark_lag"`
	Retain       time.Duration `koanf:"retain"`
}

// LifecycleConfig sets the cadence of each scheduled task.
type LifecycleConfig struct {
	CompressionInterval time.Duration `koanf:"compression_interval"`
	RollupInterval      time.Duration `koanf:"rollup_interval"`
	RetentionInterval   time.Duration `koanf:"retention_interval"`
	GCInterval          time.Duration `koanf:"gc_interval"`
	TaskTimeout         time.Duration `koanf:"task_timeout"`
}

// PricingConfig carries the cost inputs supplied outside the tariff.
type PricingConfig struct {
	Currency        string  `koanf:"currency"`
	DemandRatePerKW float64 `koanf:"demand_rate_per_kw"`
	TaxRate         float64 `koanf:"tax_rate"`
	CarbonIntensity float64 `koanf:"carbon_intensity_kg_per_kwh"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DataDir:    "./data/wattvault",
		ListenAddr: ":9090",
		LogLevel:   "info",
		Storage: StorageConfig{
			MaxMemoryMB: 128,
		},
		Chunks: ChunkConfig{
			Width:         7 * 24 * time.Hour,
			CompressAfter: 3 * 24 * time.Hour,
			RetainRaw:     90 * 24 * time.Hour,
			RetainCost:    90 * 24 * time.Hour,
		},
		Rollup: RollupConfig{
			WatermarkLag: time.Hour,
			Retain:       365 * 24 * time.Hour,
		},
		Lifecycle: LifecycleConfig{
			CompressionInterval: time.Hour,
			RollupInterval:      15 * time.Minute,
			RetentionInterval:   6 * time.Hour,
			GCInterval:          10 * time.Minute,
			TaskTimeout:         10 * time.Minute,
		},
		Pricing: PricingConfig{
			Currency:        "EUR",
			CarbonIntensity: 0.233,
		},
	}
}

// Load builds the layered configuration: defaults, then an optional YAML
// file, then environment variables (WATTVAULT_CHUNKS_WIDTH and friends).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// WATTVAULT_CHUNKS_RETAIN_RAW -> chunks.retain_raw. Section names
	// contain no underscores, so only the first underscore is a dot.
	envProvider := env.Provider("WATTVAULT_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "WATTVAULT_"))
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	if c.Chunks.Width <= 0 {
		return fmt.Errorf("config: chunks.width must be positive, got %v", c.Chunks.Width)
	}
	if c.Chunks.RetainRaw < c.Chunks.CompressAfter {
		return fmt.Errorf("config: chunks.retain_raw (%v) shorter than chunks.compress_after (%v)",
			c.Chunks.RetainRaw, c.Chunks.CompressAfter)
	}
	if c.Rollup.WatermarkLag < 0 {
		return fmt.Errorf("config: rollup.watermark_lag must not be negative")
	}
	if c.Rollup.Retain < c.Chunks.RetainRaw {
		return fmt.Errorf("config: rollup.retain (%v) shorter than chunks.retain_raw (%v); rollups outlive raw data",
			c.Rollup.Retain, c.Chunks.RetainRaw)
	}
	if c.Pricing.TaxRate < 0 || c.Pricing.TaxRate >= 1 {
		return fmt.Errorf("config: pricing.tax_rate must be in [0, 1), got %v", c.Pricing.TaxRate)
	}
	if c.Pricing.CarbonIntensity < 0 {
		return fmt.Errorf("config: pricing.carbon_intensity must not be negative")
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
