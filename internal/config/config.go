package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for skyprobe
type Config struct {
	// Upstream API
	APIBaseURL        string  `yaml:"api_base_url" json:"api_base_url"`
	APIToken          string  `yaml:"api_token" json:"api_token"`
	UserAgent         string  `yaml:"user_agent" json:"user_agent"`
	APICallsPerSecond float64 `yaml:"api_calls_per_second" json:"api_calls_per_second"`
	APIBurst          int     `yaml:"api_burst" json:"api_burst"`

	// Scheduler tiers (seconds)
	FastTierSec         int `yaml:"fast_tier_sec" json:"fast_tier_sec"`
	MediumTierSec       int `yaml:"medium_tier_sec" json:"medium_tier_sec"`
	SlowTierSec         int `yaml:"slow_tier_sec" json:"slow_tier_sec"`
	CollectorTimeoutSec int `yaml:"collector_timeout_sec" json:"collector_timeout_sec"`

	// Batch executor
	BatchWidth       int     `yaml:"batch_width" json:"batch_width"`
	BatchDelaySec    float64 `yaml:"batch_delay_sec" json:"batch_delay_sec"`
	BatchSpreadSec   float64 `yaml:"batch_spread_sec" json:"batch_spread_sec"`
	BatchMinDelaySec float64 `yaml:"batch_min_delay_sec" json:"batch_min_delay_sec"`
	BatchMaxDelaySec float64 `yaml:"batch_max_delay_sec" json:"batch_max_delay_sec"`

	// DNS cache
	DNSCacheTTLSec int `yaml:"dns_cache_ttl_sec" json:"dns_cache_ttl_sec"`
	DNSMaxLookups  int `yaml:"dns_max_lookups" json:"dns_max_lookups"`

	// Client store
	ClientCacheTTLSec    int `yaml:"client_cache_ttl_sec" json:"client_cache_ttl_sec"`
	MaxClientsPerNetwork int `yaml:"max_clients_per_network" json:"max_clients_per_network"`
	ClientLookbackSec    int `yaml:"client_lookback_sec" json:"client_lookback_sec"`

	// Inventory cache
	InventoryTTLSec int `yaml:"inventory_ttl_sec" json:"inventory_ttl_sec"`

	// Circuit breaker
	BreakerThreshold   int `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerRecoverySec int `yaml:"breaker_recovery_sec" json:"breaker_recovery_sec"`

	// Retry policy
	RetryMax         int     `yaml:"retry_max" json:"retry_max"`
	RetryBaseSec     float64 `yaml:"retry_base_sec" json:"retry_base_sec"`
	RetryMaxDelaySec float64 `yaml:"retry_max_delay_sec" json:"retry_max_delay_sec"`

	// Organizations to skip entirely (by id)
	SkipOrgs []string `yaml:"skip_orgs" json:"skip_orgs"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "skyprobe/1.0 (+https://github.com/gustycube/skyprobe)"
	}
	if c.APICallsPerSecond == 0 {
		c.APICallsPerSecond = 5
	}
	if c.APIBurst == 0 {
		c.APIBurst = 5
	}
	if c.FastTierSec == 0 {
		c.FastTierSec = 60
	}
	if c.MediumTierSec == 0 {
		c.MediumTierSec = 300
	}
	if c.SlowTierSec == 0 {
		c.SlowTierSec = 900
	}
	if c.CollectorTimeoutSec == 0 {
		c.CollectorTimeoutSec = c.FastTierSec
	}
	if c.BatchWidth == 0 {
		c.BatchWidth = 10
	}
	if c.BatchDelaySec == 0 {
		c.BatchDelaySec = 1.0
	}
	if c.BatchMinDelaySec == 0 {
		c.BatchMinDelaySec = 0.2
	}
	if c.BatchMaxDelaySec == 0 {
		c.BatchMaxDelaySec = 5.0
	}
	if c.DNSCacheTTLSec == 0 {
		c.DNSCacheTTLSec = 3600
	}
	if c.DNSMaxLookups == 0 {
		c.DNSMaxLookups = 10
	}
	if c.ClientCacheTTLSec == 0 {
		c.ClientCacheTTLSec = 3600
	}
	if c.MaxClientsPerNetwork == 0 {
		c.MaxClientsPerNetwork = 5000
	}
	if c.ClientLookbackSec == 0 {
		c.ClientLookbackSec = 300
	}
	if c.InventoryTTLSec == 0 {
		c.InventoryTTLSec = 900
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerRecoverySec == 0 {
		c.BreakerRecoverySec = 60
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBaseSec == 0 {
		c.RetryBaseSec = 1.0
	}
	if c.RetryMaxDelaySec == 0 {
		c.RetryMaxDelaySec = 30.0
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "skyprobe"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.APIToken == "" {
		return fmt.Errorf("api_token is required")
	}
	if c.FastTierSec < 30 || c.FastTierSec > 300 {
		return fmt.Errorf("fast_tier_sec must be in [30, 300], got %d", c.FastTierSec)
	}
	if c.MediumTierSec < 300 || c.MediumTierSec > 1800 {
		return fmt.Errorf("medium_tier_sec must be in [300, 1800], got %d", c.MediumTierSec)
	}
	if c.SlowTierSec < 600 || c.SlowTierSec > 3600 {
		return fmt.Errorf("slow_tier_sec must be in [600, 3600], got %d", c.SlowTierSec)
	}
	if c.MediumTierSec < c.FastTierSec || c.SlowTierSec < c.MediumTierSec {
		return fmt.Errorf("tier intervals must satisfy slow >= medium >= fast")
	}
	if c.MediumTierSec%c.FastTierSec != 0 {
		return fmt.Errorf("medium_tier_sec (%d) must be an integer multiple of fast_tier_sec (%d)",
			c.MediumTierSec, c.FastTierSec)
	}
	if c.BatchWidth < 1 || c.BatchWidth > 50 {
		return fmt.Errorf("batch_width must be in [1, 50], got %d", c.BatchWidth)
	}
	if c.BatchDelaySec < 0 || c.BatchDelaySec > 5.0 {
		return fmt.Errorf("batch_delay_sec must be in [0.0, 5.0], got %g", c.BatchDelaySec)
	}
	if c.BatchMinDelaySec > c.BatchMaxDelaySec {
		return fmt.Errorf("batch_min_delay_sec must not exceed batch_max_delay_sec")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker_threshold must be at least 1")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max must not be negative")
	}
	if c.DNSMaxLookups < 1 {
		return fmt.Errorf("dns_max_lookups must be at least 1")
	}
	if c.MaxClientsPerNetwork < 1 {
		return fmt.Errorf("max_clients_per_network must be at least 1")
	}
	return nil
}

// Duration helpers used when wiring components in main.

func (c *Config) FastInterval() time.Duration   { return time.Duration(c.FastTierSec) * time.Second }
func (c *Config) MediumInterval() time.Duration { return time.Duration(c.MediumTierSec) * time.Second }
func (c *Config) SlowInterval() time.Duration   { return time.Duration(c.SlowTierSec) * time.Second }
func (c *Config) CollectorTimeout() time.Duration {
	return time.Duration(c.CollectorTimeoutSec) * time.Second
}
func (c *Config) DNSCacheTTL() time.Duration {
	return time.Duration(c.DNSCacheTTLSec) * time.Second
}
func (c *Config) ClientCacheTTL() time.Duration {
	return time.Duration(c.ClientCacheTTLSec) * time.Second
}
func (c *Config) ClientLookback() time.Duration {
	return time.Duration(c.ClientLookbackSec) * time.Second
}
func (c *Config) InventoryTTL() time.Duration {
	return time.Duration(c.InventoryTTLSec) * time.Second
}
func (c *Config) BreakerRecovery() time.Duration {
	return time.Duration(c.BreakerRecoverySec) * time.Second
}
func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelaySec * float64(time.Second))
}
func (c *Config) BatchSpread() time.Duration {
	return time.Duration(c.BatchSpreadSec * float64(time.Second))
}
func (c *Config) BatchMinDelay() time.Duration {
	return time.Duration(c.BatchMinDelaySec * float64(time.Second))
}
func (c *Config) BatchMaxDelay() time.Duration {
	return time.Duration(c.BatchMaxDelaySec * float64(time.Second))
}
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSec * float64(time.Second))
}
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySec * float64(time.Second))
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadFromEnv overlays secrets from the environment; file values lose.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("SKYPROBE_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("SKYPROBE_API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
}
