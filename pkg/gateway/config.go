package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/OpenGateway/internal/discovery"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/mapping"
)

// Config holds all gateway configuration. It is loaded once at startup.
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" yaml:"server"`

	// Deployment environment; "production" hides error details
	Environment string `json:"environment" yaml:"environment"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Response cache
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Backend calls
	Forward ForwardConfig `json:"forward" yaml:"forward"`

	// External analysis service consulted by discovery
	ExternalTool discovery.ExternalConfig `json:"external_tool" yaml:"external_tool"`

	// Discovery candidate settings
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`

	// Mapping persistence
	Store StoreConfig `json:"store" yaml:"store"`

	// Mappings seeded at boot
	Mappings []mapping.ApiMapping `json:"mappings,omitempty" yaml:"mappings,omitempty"`

	// Additional seed file, YAML
	SeedFile string `json:"seed_file,omitempty" yaml:"seed_file,omitempty"`

	// Mount point of the admin surface
	AdminPrefix string `json:"admin_prefix" yaml:"admin_prefix"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Listen          string        `json:"listen" yaml:"listen"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// RateLimitConfig configures the rate-limit gate.
type RateLimitConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	ClientHeader      string        `json:"client_header" yaml:"client_header"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries    int           `json:"max_entries" yaml:"max_entries"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// ForwardConfig configures backend calls.
type ForwardConfig struct {
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxIdleConns        int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	MaxBodyBytes        int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	SkipTLSVerify       bool          `json:"skip_tls_verify" yaml:"skip_tls_verify"`

	// Per-host circuit breaker
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures per-host backend circuits.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DiscoveryConfig configures how discovery results become candidates.
type DiscoveryConfig struct {
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	TargetBaseURL string  `json:"target_base_url" yaml:"target_base_url"`
}

// StoreConfig configures mapping persistence.
type StoreConfig struct {
	// Path of the bbolt file; empty keeps mappings in memory
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Environment: "development",
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         0,
			ClientHeader:      "X-API-Key",
			IdleTimeout:       10 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           5 * time.Minute,
			MaxEntries:    10000,
			SweepInterval: time.Minute,
		},
		Forward: ForwardConfig{
			Timeout:             30 * time.Second,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 50,
			MaxBodyBytes:        10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		ExternalTool: discovery.DefaultExternalConfig(),
		Discovery: DiscoveryConfig{
			Threshold: discovery.DefaultThreshold,
		},
		AdminPrefix: "/_gateway",
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		config = DefaultConfig()
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("requests per minute must be at least 1")
	}

	if c.RateLimit.BurstSize < 0 {
		return fmt.Errorf("burst size must not be negative")
	}

	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	if c.Discovery.Threshold < 0 || c.Discovery.Threshold > 1 {
		return fmt.Errorf("discovery threshold must be between 0 and 1")
	}

	if c.ExternalTool.Enabled && c.ExternalTool.Endpoint == "" {
		return fmt.Errorf("external tool endpoint is required when enabled")
	}

	if c.AdminPrefix == "" || c.AdminPrefix == "/" {
		return fmt.Errorf("admin prefix must name a path")
	}

	for i, m := range c.Mappings {
		if err := mapping.Validate(m.Normalize()); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}
