package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinUDPTruncationThreshold is the smallest receive/reply size we accept (RFC 1035)
const MinUDPTruncationThreshold = 512

// Config holds the application configuration
type Config struct {
	// Server settings (receivers, distributors, admission control)
	Server ServerConfig `yaml:"server"`

	// Packet cache settings
	Cache CacheConfig `yaml:"cache"`

	// Backend settings
	Backend BackendConfig `yaml:"backend"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the UDP receive path settings
type ServerConfig struct {
	ListenAddresses          []string `yaml:"listen_addresses"`
	ReusePort                bool     `yaml:"reuseport"`
	ReceiverThreads          int      `yaml:"receiver_threads"`
	DistributorThreads       int      `yaml:"distributor_threads"`
	MaxQueueLength           int      `yaml:"max_queue_length"`
	OverloadQueueLength      int      `yaml:"overload_queue_length"` // 0 disables cache-only mode
	UDPTruncationThreshold   int      `yaml:"udp_truncation_threshold"`
	ProxyProtocolFrom        []string `yaml:"proxy_protocol_from"`
	ProxyProtocolMaximumSize int      `yaml:"proxy_protocol_maximum_size"`
	LogDNSQueries            bool     `yaml:"log_dns_queries"`
}

// CacheConfig holds packet cache settings
type CacheConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	Shards          int           `yaml:"shards"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IsEnabled reports whether the packet cache fast path is active.
// An unset value means enabled.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BackendConfig holds the static backend served by the distributor workers
type BackendConfig struct {
	Records []RecordConfig `yaml:"records"`
	Latency time.Duration  `yaml:"latency"` // artificial resolution delay
}

// RecordConfig is a single static resource record
type RecordConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	TTL   uint32 `yaml:"ttl"`
	Value string `yaml:"value"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // if output=file
	AddSource  bool   `yaml:"add_source"`  // include source file/line
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"` // number of old log files
	MaxAge     int    `yaml:"max_age"`     // days
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if len(c.Server.ListenAddresses) == 0 {
		c.Server.ListenAddresses = []string{":53"}
	}
	if c.Server.ReceiverThreads == 0 {
		c.Server.ReceiverThreads = 1
	}
	if c.Server.DistributorThreads == 0 {
		c.Server.DistributorThreads = 3
	}
	if c.Server.MaxQueueLength == 0 {
		c.Server.MaxQueueLength = 5000
	}
	if c.Server.UDPTruncationThreshold == 0 {
		c.Server.UDPTruncationThreshold = 1232
	}
	if c.Server.UDPTruncationThreshold < MinUDPTruncationThreshold {
		c.Server.UDPTruncationThreshold = MinUDPTruncationThreshold
	}
	if c.Server.ProxyProtocolMaximumSize == 0 {
		c.Server.ProxyProtocolMaximumSize = 512
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 20 * time.Second
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000000
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 64
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = time.Minute
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100 // 100MB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 7 // 7 days
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "authdns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Server.ListenAddresses) == 0 {
		return fmt.Errorf("server.listen_addresses cannot be empty")
	}
	for _, addr := range c.Server.ListenAddresses {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}
	if c.Server.ReceiverThreads < 1 {
		return fmt.Errorf("server.receiver_threads must be positive, got %d", c.Server.ReceiverThreads)
	}
	if c.Server.DistributorThreads < 1 {
		return fmt.Errorf("server.distributor_threads must be positive, got %d", c.Server.DistributorThreads)
	}
	if c.Server.MaxQueueLength < 1 {
		return fmt.Errorf("server.max_queue_length must be positive, got %d", c.Server.MaxQueueLength)
	}
	if c.Server.OverloadQueueLength < 0 {
		return fmt.Errorf("server.overload_queue_length cannot be negative, got %d", c.Server.OverloadQueueLength)
	}
	if c.Server.ProxyProtocolMaximumSize < 0 {
		return fmt.Errorf("server.proxy_protocol_maximum_size cannot be negative, got %d", c.Server.ProxyProtocolMaximumSize)
	}
	for _, cidr := range c.Server.ProxyProtocolFrom {
		if _, err := ParseNetmask(cidr); err != nil {
			return fmt.Errorf("invalid proxy_protocol_from entry: %w", err)
		}
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be positive, got %d", c.Cache.Shards)
	}

	for i, rec := range c.Backend.Records {
		if rec.Name == "" || rec.Type == "" || rec.Value == "" {
			return fmt.Errorf("backend.records[%d]: name, type and value are required", i)
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// ParseNetmask accepts either a CIDR or a bare address (treated as a host route)
func ParseNetmask(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("not an address or CIDR: %q", s)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}

	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("not an address or CIDR: %q: %w", s, err)
	}
	return ipnet, nil
}
