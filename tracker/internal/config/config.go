// Package config handles tracker configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (GEOTRACK_*), optionally from a .env file
// 3. Config file (YAML)
// 4. Defaults
//
// Credentials may be given as 1Password references (op://<item>/<field>);
// they are resolved at startup when onepassword is configured.
//
// # Example Config File
//
//	server:
//	  port: 8080
//	  ingest_rate: 200
//
//	database:
//	  url: op://geotrack-db/connection-string
//
//	redis:
//	  url: redis://localhost:6379/0
//	  stats_cache_ttl: 10s
//
//	engine:
//	  organization_id: acme
//	  discovery_interval: 30s
//	  max_speed_mps: 50
//	  escalation_delay: 5m
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete tracker configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	OnePassword OnePasswordConfig `yaml:"onepassword"`
	Engine      EngineConfig      `yaml:"engine"`
	Stream      StreamConfig      `yaml:"stream"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Location ingest rate limit. Zero disables limiting.
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`

	CORSOrigin string `yaml:"cors_origin"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	URL string `yaml:"url"` // postgres://... or op://item/field

	// Memory uses the in-process store instead of Postgres.
	Memory bool `yaml:"memory"`

	// Migrate applies embedded migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig enables the stats cache and the event relay. Empty URL
// disables both.
type RedisConfig struct {
	URL            string        `yaml:"url"`
	StatsCacheTTL  time.Duration `yaml:"stats_cache_ttl"`
	DeviceStateTTL time.Duration `yaml:"device_state_ttl"`
	RelayBuffer    int           `yaml:"relay_buffer"`
}

// OnePasswordConfig points at a 1Password Connect server.
type OnePasswordConfig struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
	Vault string `yaml:"vault"`
}

// Enabled reports whether references can be resolved.
func (c OnePasswordConfig) Enabled() bool {
	return c.Host != "" && c.Token != "" && c.Vault != ""
}

// EngineConfig tunes the tracking engine.
type EngineConfig struct {
	OrganizationID string `yaml:"organization_id"`

	TrackingEnabled   bool          `yaml:"tracking_enabled"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	DriftProbability  float64       `yaml:"drift_probability"`

	GeofenceChecks   bool    `yaml:"geofence_checks"`
	AnomalyDetection bool    `yaml:"anomaly_detection"`
	MaxSpeedMps      float64 `yaml:"max_speed_mps"`
	HistoryWindow    int     `yaml:"history_window"`

	EscalationEnabled bool          `yaml:"escalation_enabled"`
	EscalationDelay   time.Duration `yaml:"escalation_delay"`

	LatencySamples int `yaml:"latency_samples"`
}

// StreamConfig controls the websocket push channel.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
	Buffer  int  `yaml:"buffer"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			IngestRate:      200,
			IngestBurst:     400,
			CORSOrigin:      "*",
		},
		Database: DatabaseConfig{
			URL:     "postgres://localhost:5432/geotrack?sslmode=disable",
			Migrate: true,
		},
		Redis: RedisConfig{
			StatsCacheTTL:  10 * time.Second,
			DeviceStateTTL: 10 * time.Minute,
			RelayBuffer:    1024,
		},
		Engine: EngineConfig{
			TrackingEnabled:   true,
			DiscoveryInterval: 30 * time.Second,
			DriftProbability:  0.05,
			GeofenceChecks:    true,
			AnomalyDetection:  true,
			MaxSpeedMps:       50,
			HistoryWindow:     2,
			EscalationEnabled: true,
			EscalationDelay:   5 * time.Minute,
			LatencySamples:    1000,
		},
		Stream: StreamConfig{
			Enabled: true,
			Buffer:  256,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.IngestRate < 0 {
		return fmt.Errorf("server.ingest_rate must not be negative")
	}
	if c.Server.IngestRate > 0 && c.Server.IngestBurst < 1 {
		return fmt.Errorf("server.ingest_burst must be at least 1 when ingest_rate is set")
	}
	if !c.Database.Memory && c.Database.URL == "" {
		return fmt.Errorf("database.url is required unless database.memory is set")
	}
	if c.Engine.TrackingEnabled && c.Engine.DiscoveryInterval <= 0 {
		return fmt.Errorf("engine.discovery_interval must be positive")
	}
	if c.Engine.DriftProbability < 0 || c.Engine.DriftProbability > 1 {
		return fmt.Errorf("engine.drift_probability must be between 0 and 1, got %g", c.Engine.DriftProbability)
	}
	if c.Engine.MaxSpeedMps <= 0 {
		return fmt.Errorf("engine.max_speed_mps must be positive")
	}
	if c.Engine.HistoryWindow < 1 {
		return fmt.Errorf("engine.history_window must be at least 1")
	}
	if c.Engine.EscalationEnabled && c.Engine.EscalationDelay <= 0 {
		return fmt.Errorf("engine.escalation_delay must be positive when escalation is enabled")
	}
	if c.Redis.URL != "" && c.Redis.StatsCacheTTL < 0 {
		return fmt.Errorf("redis.stats_cache_ttl must not be negative")
	}
	if (c.OnePassword.Host != "" || c.OnePassword.Token != "") && !c.OnePassword.Enabled() {
		return fmt.Errorf("onepassword requires host, token and vault together")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the GEOTRACK_ prefix:
// - GEOTRACK_PORT
// - GEOTRACK_DATABASE_URL
// - GEOTRACK_MEMORY_STORE (true/false)
// - GEOTRACK_REDIS_URL
// - GEOTRACK_ORG_ID
// - GEOTRACK_TRACKING_ENABLED (true/false)
// - GEOTRACK_MAX_SPEED_MPS
// - GEOTRACK_ESCALATION_DELAY (duration, e.g. 5m)
// - GEOTRACK_OP_CONNECT_HOST, GEOTRACK_OP_CONNECT_TOKEN, GEOTRACK_OP_VAULT
//
// Malformed numeric, boolean or duration values are ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEOTRACK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("GEOTRACK_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("GEOTRACK_MEMORY_STORE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Database.Memory = b
		}
	}
	if v := os.Getenv("GEOTRACK_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GEOTRACK_ORG_ID"); v != "" {
		c.Engine.OrganizationID = v
	}
	if v := os.Getenv("GEOTRACK_TRACKING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.TrackingEnabled = b
		}
	}
	if v := os.Getenv("GEOTRACK_MAX_SPEED_MPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.MaxSpeedMps = f
		}
	}
	if v := os.Getenv("GEOTRACK_ESCALATION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.EscalationDelay = d
		}
	}
	if v := os.Getenv("GEOTRACK_OP_CONNECT_HOST"); v != "" {
		c.OnePassword.Host = v
	}
	if v := os.Getenv("GEOTRACK_OP_CONNECT_TOKEN"); v != "" {
		c.OnePassword.Token = v
	}
	if v := os.Getenv("GEOTRACK_OP_VAULT"); v != "" {
		c.OnePassword.Vault = v
	}
}
