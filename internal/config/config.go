// ABOUTME: Configuration loading and parsing for coven-mcp
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-mcp configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the admin API address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MCPConfig holds tool-server runtime configuration
type MCPConfig struct {
	// LogDir is where per-server log files are written
	LogDir string `yaml:"log_dir"`

	// SystemServersPath points at the TOML file seeding system servers
	SystemServersPath string `yaml:"system_servers_path"`

	// ProxyPortMin/Max bound the port range for stdio proxy listeners
	ProxyPortMin int `yaml:"proxy_port_min"`
	ProxyPortMax int `yaml:"proxy_port_max"`

	RequestTimeout    time.Duration `yaml:"-"`
	HandshakeTimeout  time.Duration `yaml:"-"`
	StopGracePeriod   time.Duration `yaml:"-"`
	SSEReconnectDelay time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw    string `yaml:"request_timeout"`
	HandshakeTimeoutRaw  string `yaml:"handshake_timeout"`
	StopGracePeriodRaw   string `yaml:"stop_grace_period"`
	SSEReconnectDelayRaw string `yaml:"sse_reconnect_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8377"
	}
	if c.MCP.ProxyPortMin == 0 {
		c.MCP.ProxyPortMin = 9000
	}
	if c.MCP.ProxyPortMax == 0 {
		c.MCP.ProxyPortMax = 9999
	}
	if c.MCP.RequestTimeout == 0 {
		c.MCP.RequestTimeout = 30 * time.Second
	}
	if c.MCP.HandshakeTimeout == 0 {
		c.MCP.HandshakeTimeout = 10 * time.Second
	}
	if c.MCP.StopGracePeriod == 0 {
		c.MCP.StopGracePeriod = 5 * time.Second
	}
	if c.MCP.SSEReconnectDelay == 0 {
		c.MCP.SSEReconnectDelay = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MCP.LogDir == "" {
		return fmt.Errorf("mcp.log_dir is required")
	}
	if c.MCP.ProxyPortMin > c.MCP.ProxyPortMax {
		return fmt.Errorf("mcp.proxy_port_min %d exceeds proxy_port_max %d",
			c.MCP.ProxyPortMin, c.MCP.ProxyPortMax)
	}
	if c.MCP.ProxyPortMin < 1 || c.MCP.ProxyPortMax > 65535 {
		return fmt.Errorf("mcp proxy port range %d-%d is out of bounds",
			c.MCP.ProxyPortMin, c.MCP.ProxyPortMax)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.MCP.RequestTimeoutRaw != "" {
		cfg.MCP.RequestTimeout, err = time.ParseDuration(cfg.MCP.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.MCP.RequestTimeoutRaw, err)
		}
	}

	if cfg.MCP.HandshakeTimeoutRaw != "" {
		cfg.MCP.HandshakeTimeout, err = time.ParseDuration(cfg.MCP.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.MCP.HandshakeTimeoutRaw, err)
		}
	}

	if cfg.MCP.StopGracePeriodRaw != "" {
		cfg.MCP.StopGracePeriod, err = time.ParseDuration(cfg.MCP.StopGracePeriodRaw)
		if err != nil {
			return fmt.Errorf("parsing stop_grace_period %q: %w", cfg.MCP.StopGracePeriodRaw, err)
		}
	}

	if cfg.MCP.SSEReconnectDelayRaw != "" {
		cfg.MCP.SSEReconnectDelay, err = time.ParseDuration(cfg.MCP.SSEReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing sse_reconnect_delay %q: %w", cfg.MCP.SSEReconnectDelayRaw, err)
		}
	}

	return nil
}
