// Package config loads the guard configuration from YAML with environment
// variable expansion and struct validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds all guard configuration.
type Config struct {
	DBPath    string              `yaml:"db_path" validate:"required"`
	Redis     RedisConfig         `yaml:"redis"`
	Limits    map[string]APILimit `yaml:"limits" validate:"dive"`
	CacheTTLs map[string]int      `yaml:"cache_ttl_seconds" validate:"dive,min=0"`
	ReplyCap  int64               `yaml:"daily_reply_cap" validate:"min=0"`
	Providers ProvidersConfig     `yaml:"providers"`
	Persona   PersonaConfig       `yaml:"persona"`
	Memory    MemoryConfig        `yaml:"memory"`
	Monitor   MonitorConfig       `yaml:"monitor"`
	RuleFiles RuleFilesConfig     `yaml:"rule_files"`
}

// RedisConfig enables the Redis-backed ephemeral tier. When URL is empty the
// guard falls back to the in-process store.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Prefix   string `yaml:"prefix"`
}

// APILimit is the rate budget for one apiType.
type APILimit struct {
	PerUserHourly int64 `yaml:"per_user_hourly" validate:"min=0"`
	GlobalDaily   int64 `yaml:"global_daily" validate:"min=0"`
}

// ProvidersConfig controls the enhancement providers.
type ProvidersConfig struct {
	SearchEnabled  bool          `yaml:"search_enabled"`
	WeatherEnabled bool          `yaml:"weather_enabled"`
	PriceEnabled   bool          `yaml:"price_enabled"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
}

// PersonaConfig selects the sanitizer vocabulary set.
type PersonaConfig struct {
	Mode string `yaml:"mode" validate:"oneof=unrestricted restricted"`
}

// MemoryConfig controls conversation history.
type MemoryConfig struct {
	Window       int           `yaml:"window" validate:"min=1"`
	EphemeralTTL time.Duration `yaml:"ephemeral_ttl" validate:"min=0"`
}

// MonitorConfig controls usage alerts and incident tracking.
type MonitorConfig struct {
	WarningPct     float64       `yaml:"warning_pct" validate:"min=0,max=100"`
	CriticalPct    float64       `yaml:"critical_pct" validate:"min=0,max=100,gtefield=WarningPct"`
	AutoBlockAt    int           `yaml:"auto_block_at" validate:"min=1"`
	IncidentWindow time.Duration `yaml:"incident_window" validate:"min=0"`
}

// RuleFilesConfig points at optional externalized rule data. Empty paths
// keep the built-in rule sets.
type RuleFilesConfig struct {
	Blocklist string `yaml:"blocklist"`
	Input     string `yaml:"input"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "chatguard.db",
		Limits: map[string]APILimit{
			"web_search":   {PerUserHourly: 5, GlobalDaily: 500},
			"weather":      {PerUserHourly: 10, GlobalDaily: 1000},
			"crypto_price": {PerUserHourly: 10, GlobalDaily: 1000},
		},
		CacheTTLs: map[string]int{
			"web_search":   600,
			"weather":      900,
			"crypto_price": 120,
		},
		ReplyCap: 50,
		Providers: ProvidersConfig{
			SearchEnabled:  true,
			WeatherEnabled: true,
			PriceEnabled:   true,
			Timeout:        5 * time.Second,
		},
		Persona: PersonaConfig{Mode: "unrestricted"},
		Memory: MemoryConfig{
			Window:       20,
			EphemeralTTL: time.Hour,
		},
		Monitor: MonitorConfig{
			WarningPct:     75,
			CriticalPct:    90,
			AutoBlockAt:    5,
			IncidentWindow: 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, expands environment variables, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
