package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk width", func(c *Config) { c.Chunks.Width = 0 }},
		{"retention shorter than compression age", func(c *Config) {
			c.Chunks.RetainRaw = time.Hour
			c.Chunks.CompressAfter = 24 * time.Hour
		}},
		{"negative watermark lag", func(c *Config) { c.Rollup.WatermarkLag = -time.Minute }},
		{"rollups expire before raw data", func(c *Config) {
			c.Rollup.Retain = 30 * 24 * time.Hour
			c.Chunks.RetainRaw = 90 * 24 * time.Hour
		}},
		{"tax rate of 100 percent", func(c *Config) { c.Pricing.TaxRate = 1 }},
		{"negative tax rate", func(c *Config) { c.Pricing.TaxRate = -0.1 }},
		{"negative carbon intensity", func(c *Config) { c.Pricing.CarbonIntensity = -1 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wattvault.yaml")
	content := `
log_level: debug
chunks:
  width: 24h
pricing:
  currency: USD
  tax_rate: 0.08
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("WATTVAULT_PRICING_TAX_RATE", "0.19")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// File overrides defaults.
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug from file", cfg.LogLevel)
	}
	if cfg.Chunks.Width != 24*time.Hour {
		t.Errorf("chunk width = %v, want 24h from file", cfg.Chunks.Width)
	}
	if cfg.Pricing.Currency != "USD" {
		t.Errorf("currency = %q, want USD from file", cfg.Pricing.Currency)
	}
	// Environment overrides the file.
	if cfg.Pricing.TaxRate != 0.19 {
		t.Errorf("tax rate = %v, want 0.19 from environment", cfg.Pricing.TaxRate)
	}
	// Untouched keys keep their defaults.
	if cfg.Rollup.WatermarkLag != time.Hour {
		t.Errorf("watermark lag = %v, want default 1h", cfg.Rollup.WatermarkLag)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wattvault.yaml")
	if err := os.WriteFile(path, []byte("chunks:\n  width: 0s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	if _, err := Load(); err == nil {
		t.Fatal("expected validation failure for zero chunk width")
	}
}
