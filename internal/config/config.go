// Package config provides configuration management for mcpgate.
//
// This package handles loading configuration from multiple sources:
// - Configuration files (YAML, JSON, TOML)
// - Environment variables
// - Command line flags
// - Default values
//
// Configuration is loaded in order of precedence (highest to lowest):
// 1. Command line flags
// 2. Environment variables
// 3. Configuration file
// 4. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete mcpgate configuration
type Config struct {
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor" yaml:"supervisor"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery" yaml:"discovery"`
	LogWatch    LogWatchConfig    `mapstructure:"logwatch" yaml:"logwatch"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Development DevelopmentConfig `mapstructure:"development" yaml:"development"`
}

// GatewayConfig contains gateway-wide configuration
type GatewayConfig struct {
	Host          string `mapstructure:"host" yaml:"host"`
	WebSocketPort int    `mapstructure:"websocket_port" yaml:"websocket_port"`
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
}

// ProxyConfig contains stdio proxy and port allocation configuration
type ProxyConfig struct {
	PortRangeStart     int           `mapstructure:"port_range_start" yaml:"port_range_start"`
	PortRangeEnd       int           `mapstructure:"port_range_end" yaml:"port_range_end"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout" yaml:"health_check_timeout"`
	NotificationBuffer int           `mapstructure:"notification_buffer" yaml:"notification_buffer"`
}

// SupervisorConfig contains auto-restart supervision configuration
type SupervisorConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval      time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts" yaml:"max_restart_attempts"`
	RestartDelay       time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
}

// DiscoveryConfig contains tool discovery configuration
type DiscoveryConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LogWatchConfig contains log file watching configuration
type LogWatchConfig struct {
	SubscriberBuffer int    `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	MaxFileSize      string `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputFile string `mapstructure:"output_file" yaml:"output_file"`
	Verbose    bool   `mapstructure:"verbose" yaml:"verbose"`
}

// DevelopmentConfig contains development and debugging options
type DevelopmentConfig struct {
	EnableProfiling bool `mapstructure:"enable_profiling" yaml:"enable_profiling"`
	ProfilingPort   int  `mapstructure:"profiling_port" yaml:"profiling_port"`
	DebugMode       bool `mapstructure:"debug_mode" yaml:"debug_mode"`
	MetricsEnabled  bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "localhost",
			WebSocketPort: 8765,
			DataDir:       defaultDataDir(),
		},
		Proxy: ProxyConfig{
			PortRangeStart:     9000,
			PortRangeEnd:       9999,
			RequestTimeout:     30 * time.Second,
			HealthCheckTimeout: 5 * time.Second,
			NotificationBuffer: 1000,
		},
		Supervisor: SupervisorConfig{
			Enabled:            true,
			CheckInterval:      30 * time.Second,
			MaxRestartAttempts: 3,
			RestartDelay:       5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			CacheTTL:       10 * time.Minute,
			RequestTimeout: 30 * time.Second,
		},
		LogWatch: LogWatchConfig{
			SubscriberBuffer: 1000,
			MaxFileSize:      "10MB",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			OutputFile: "",
			Verbose:    false,
		},
		Development: DevelopmentConfig{
			EnableProfiling: false,
			ProfilingPort:   6060,
			DebugMode:       false,
			MetricsEnabled:  false,
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mcpgate")
	}
	return ".mcpgate"
}

// LoadConfig loads configuration from various sources
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure environment variable handling
	v.SetEnvPrefix("MCPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set config file if provided
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Search for config file in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mcpgate")
		v.AddConfigPath("/etc/mcpgate")
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// If a specific config file was provided and not found, that's an error
			if configFile != "" {
				return nil, fmt.Errorf("config file not found: %s", configFile)
			}
			// Otherwise, config file not found is okay, we'll use defaults
		} else {
			// Other errors are always reported
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Gateway defaults
	v.SetDefault("gateway.host", defaults.Gateway.Host)
	v.SetDefault("gateway.websocket_port", defaults.Gateway.WebSocketPort)
	v.SetDefault("gateway.data_dir", defaults.Gateway.DataDir)

	// Proxy defaults
	v.SetDefault("proxy.port_range_start", defaults.Proxy.PortRangeStart)
	v.SetDefault("proxy.port_range_end", defaults.Proxy.PortRangeEnd)
	v.SetDefault("proxy.request_timeout", defaults.Proxy.RequestTimeout)
	v.SetDefault("proxy.health_check_timeout", defaults.Proxy.HealthCheckTimeout)
	v.SetDefault("proxy.notification_buffer", defaults.Proxy.NotificationBuffer)

	// Supervisor defaults
	v.SetDefault("supervisor.enabled", defaults.Supervisor.Enabled)
	v.SetDefault("supervisor.check_interval", defaults.Supervisor.CheckInterval)
	v.SetDefault("supervisor.max_restart_attempts", defaults.Supervisor.MaxRestartAttempts)
	v.SetDefault("supervisor.restart_delay", defaults.Supervisor.RestartDelay)

	// Discovery defaults
	v.SetDefault("discovery.cache_ttl", defaults.Discovery.CacheTTL)
	v.SetDefault("discovery.request_timeout", defaults.Discovery.RequestTimeout)

	// LogWatch defaults
	v.SetDefault("logwatch.subscriber_buffer", defaults.LogWatch.SubscriberBuffer)
	v.SetDefault("logwatch.max_file_size", defaults.LogWatch.MaxFileSize)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output_file", defaults.Logging.OutputFile)
	v.SetDefault("logging.verbose", defaults.Logging.Verbose)

	// Development defaults
	v.SetDefault("development.enable_profiling", defaults.Development.EnableProfiling)
	v.SetDefault("development.profiling_port", defaults.Development.ProfilingPort)
	v.SetDefault("development.debug_mode", defaults.Development.DebugMode)
	v.SetDefault("development.metrics_enabled", defaults.Development.MetricsEnabled)
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	// Validate gateway configuration
	if config.Gateway.Host == "" {
		return fmt.Errorf("gateway.host cannot be empty")
	}

	if config.Gateway.WebSocketPort < 1 || config.Gateway.WebSocketPort > 65535 {
		return fmt.Errorf("gateway.websocket_port must be between 1 and 65535, got %d", config.Gateway.WebSocketPort)
	}

	if config.Gateway.DataDir == "" {
		return fmt.Errorf("gateway.data_dir cannot be empty")
	}

	// Validate proxy configuration
	if config.Proxy.PortRangeStart < 1 || config.Proxy.PortRangeStart > 65535 {
		return fmt.Errorf("proxy.port_range_start must be between 1 and 65535, got %d", config.Proxy.PortRangeStart)
	}

	if config.Proxy.PortRangeEnd < config.Proxy.PortRangeStart || config.Proxy.PortRangeEnd > 65535 {
		return fmt.Errorf("proxy.port_range_end must be between %d and 65535, got %d", config.Proxy.PortRangeStart, config.Proxy.PortRangeEnd)
	}

	if config.Proxy.RequestTimeout <= 0 {
		return fmt.Errorf("proxy.request_timeout must be positive, got %v", config.Proxy.RequestTimeout)
	}

	if config.Proxy.HealthCheckTimeout <= 0 {
		return fmt.Errorf("proxy.health_check_timeout must be positive, got %v", config.Proxy.HealthCheckTimeout)
	}

	if config.Proxy.NotificationBuffer < 1 {
		return fmt.Errorf("proxy.notification_buffer must be positive, got %d", config.Proxy.NotificationBuffer)
	}

	// Validate supervisor configuration
	if config.Supervisor.CheckInterval <= 0 {
		return fmt.Errorf("supervisor.check_interval must be positive, got %v", config.Supervisor.CheckInterval)
	}

	if config.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("supervisor.max_restart_attempts must be non-negative, got %d", config.Supervisor.MaxRestartAttempts)
	}

	if config.Supervisor.RestartDelay < 0 {
		return fmt.Errorf("supervisor.restart_delay must be non-negative, got %v", config.Supervisor.RestartDelay)
	}

	// Validate discovery configuration
	if config.Discovery.CacheTTL <= 0 {
		return fmt.Errorf("discovery.cache_ttl must be positive, got %v", config.Discovery.CacheTTL)
	}

	if config.Discovery.RequestTimeout <= 0 {
		return fmt.Errorf("discovery.request_timeout must be positive, got %v", config.Discovery.RequestTimeout)
	}

	// Validate logwatch configuration
	if config.LogWatch.SubscriberBuffer < 1 {
		return fmt.Errorf("logwatch.subscriber_buffer must be positive, got %d", config.LogWatch.SubscriberBuffer)
	}

	if err := validateSizeString(config.LogWatch.MaxFileSize, "logwatch.max_file_size"); err != nil {
		return err
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, got %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %s", config.Logging.Format)
	}

	// Validate development configuration
	if config.Development.ProfilingPort < 1 || config.Development.ProfilingPort > 65535 {
		return fmt.Errorf("development.profiling_port must be between 1 and 65535, got %d", config.Development.ProfilingPort)
	}

	return nil
}

// validateSizeString validates size strings like "5MB", "64KB"
func validateSizeString(size, field string) error {
	if size == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}

	// Parse size string
	_, err := ParseSize(size)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}

	return nil
}

// ParseSize parses size strings like "5MB", "64KB" into bytes
func ParseSize(size string) (int64, error) {
	if size == "" {
		return 0, fmt.Errorf("size string cannot be empty")
	}

	// Convert to uppercase for case-insensitive parsing
	size = strings.ToUpper(size)

	// Define size units in order (longest first to avoid conflicts)
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	// Find the unit
	var multiplier int64 = 1 // Default to bytes
	var valueStr string

	for _, unit := range units {
		if strings.HasSuffix(size, unit.suffix) {
			multiplier = unit.multiplier
			valueStr = strings.TrimSuffix(size, unit.suffix)
			break
		}
	}

	// If no unit found, assume bytes
	if valueStr == "" {
		valueStr = size
		multiplier = 1
	}

	// Parse the numeric value (handle float values by rejecting them)
	var value int64
	var floatValue float64

	// Check if it's a float first
	if n, err := fmt.Sscanf(valueStr, "%f", &floatValue); err == nil && n == 1 {
		// If it parsed as float but is actually an integer, it's okay
		if floatValue == float64(int64(floatValue)) {
			value = int64(floatValue)
		} else {
			return 0, fmt.Errorf("float values not supported in size string: %s", valueStr)
		}
	} else {
		return 0, fmt.Errorf("invalid numeric value in size string: %s", valueStr)
	}

	if value < 0 {
		return 0, fmt.Errorf("size value cannot be negative: %d", value)
	}

	return value * multiplier, nil
}

// LogDir returns the directory where per-server MCP log files are written.
func (c *Config) LogDir() string {
	return filepath.Join(c.Gateway.DataDir, "logs", "mcp")
}

// GetEnvVarName returns the environment variable name for a config key
func GetEnvVarName(key string) string {
	return "MCPGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
