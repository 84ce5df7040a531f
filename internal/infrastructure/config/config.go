package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Voltlink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// MQTTConfig contains MQTT broker connection settings.
// Device status and discovery reports are published over MQTT so that
// telemetry pollers know which devices are safe to query.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for scan metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DiscoveryConfig contains the discovery engine settings.
//
// The orchestrator and recovery scheduler receive this as a value object at
// construction time; nothing re-reads it at runtime.
type DiscoveryConfig struct {
	// ScanInterval is the periodic scan cadence in seconds. 0 disables the timer.
	ScanInterval int `yaml:"scan_interval"`

	// PriorityOrder lists device family tags in the order they are probed on
	// channels with unknown identity. Families not listed are never probed.
	PriorityOrder []string `yaml:"priority_order"`

	// IdentificationTimeout bounds one open/verify/read-serial sequence, in seconds.
	IdentificationTimeout int `yaml:"identification_timeout"`

	// MaxRetries is the consecutive-failure count at which a missing device is
	// permanently disabled. Only an operator reactivation revives it.
	MaxRetries int `yaml:"max_retries_before_permanent_disable"`

	// InitialRetryInterval is the first backoff delay in seconds.
	InitialRetryInterval int `yaml:"initial_retry_interval"`

	// MaxRetryInterval caps the backoff delay in seconds.
	MaxRetryInterval int `yaml:"max_retry_interval"`

	// BackoffMultiplier is the exponential backoff growth factor.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Concurrency bounds simultaneous channel probes within a phase.
	// Each probe holds an open hardware session, so this also limits bus load.
	Concurrency int `yaml:"concurrency"`
}

// ChannelsConfig describes where the enumerator looks for communication channels.
type ChannelsConfig struct {
	Serial  SerialChannelsConfig    `yaml:"serial"`
	Network []NetworkEndpointConfig `yaml:"network"`
}

// SerialChannelsConfig controls serial port enumeration.
type SerialChannelsConfig struct {
	// Enabled toggles OS serial port enumeration.
	Enabled bool `yaml:"enabled"`

	// Exclude lists path prefixes to skip (e.g. "/dev/ttyS" for on-board UARTs
	// that never host energy devices).
	Exclude []string `yaml:"exclude"`
}

// NetworkEndpointConfig is a pre-configured TCP endpoint that may host a device.
type NetworkEndpointConfig struct {
	Address string `yaml:"address"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
	OperatorKey    string `yaml:"operator_key"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VOLTLINK_SECTION_KEY
// For example: VOLTLINK_DATABASE_PATH, VOLTLINK_MQTT_HOST
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Voltlink",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/voltlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "voltlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			ScanInterval:          300,
			PriorityOrder:         []string{"meter", "inverter_g3", "inverter_x1", "battery"},
			IdentificationTimeout: 5,
			MaxRetries:            10,
			InitialRetryInterval:  30,
			MaxRetryInterval:      3600,
			BackoffMultiplier:     2.0,
			Concurrency:           4,
		},
		Channels: ChannelsConfig{
			Serial: SerialChannelsConfig{
				Enabled: true,
			},
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VOLTLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("VOLTLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("VOLTLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// MQTT
	if v := os.Getenv("VOLTLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VOLTLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VOLTLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("VOLTLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("VOLTLINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("VOLTLINK_OPERATOR_KEY"); v != "" {
		cfg.Security.JWT.OperatorKey = v
	}
}

// knownFamilies are the device family tags the adapter registry can resolve.
// Kept here so config validation can reject typos before the engine starts.
var knownFamilies = map[string]struct{}{
	"meter":       {},
	"battery":     {},
	"inverter_g3": {},
	"inverter_x1": {},
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Discovery validation
	if len(c.Discovery.PriorityOrder) == 0 {
		errs = append(errs, "discovery.priority_order must list at least one device family")
	}
	for _, family := range c.Discovery.PriorityOrder {
		if _, ok := knownFamilies[family]; !ok {
			errs = append(errs, fmt.Sprintf("discovery.priority_order: unknown device family %q", family))
		}
	}
	if c.Discovery.IdentificationTimeout < 1 {
		errs = append(errs, "discovery.identification_timeout must be at least 1 second")
	}
	if c.Discovery.MaxRetries < 1 {
		errs = append(errs, "discovery.max_retries_before_permanent_disable must be at least 1")
	}
	if c.Discovery.InitialRetryInterval < 1 {
		errs = append(errs, "discovery.initial_retry_interval must be at least 1 second")
	}
	if c.Discovery.MaxRetryInterval < c.Discovery.InitialRetryInterval {
		errs = append(errs, "discovery.max_retry_interval must not be below initial_retry_interval")
	}
	if c.Discovery.BackoffMultiplier < 1.0 {
		errs = append(errs, "discovery.backoff_multiplier must be at least 1.0")
	}
	if c.Discovery.Concurrency < 1 {
		errs = append(errs, "discovery.concurrency must be at least 1")
	}

	// Security validation - JWT secret is REQUIRED
	// The API exposes operator actions (reactivation, manual scans) that touch
	// physical plant equipment, so token forgery must not be possible.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set VOLTLINK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetScanInterval returns the periodic scan cadence as a Duration.
func (d DiscoveryConfig) GetScanInterval() time.Duration {
	return time.Duration(d.ScanInterval) * time.Second
}

// GetIdentificationTimeout returns the per-probe timeout as a Duration.
func (d DiscoveryConfig) GetIdentificationTimeout() time.Duration {
	return time.Duration(d.IdentificationTimeout) * time.Second
}

// GetInitialRetryInterval returns the first backoff delay as a Duration.
func (d DiscoveryConfig) GetInitialRetryInterval() time.Duration {
	return time.Duration(d.InitialRetryInterval) * time.Second
}

// GetMaxRetryInterval returns the backoff cap as a Duration.
func (d DiscoveryConfig) GetMaxRetryInterval() time.Duration {
	return time.Duration(d.MaxRetryInterval) * time.Second
}
