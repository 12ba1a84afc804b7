// ABOUTME: Configuration loading and parsing for the keywarden daemon
// ABOUTME: Supports YAML files with environment variable expansion and validation

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/2389/keywarden/internal/server"
	"github.com/2389/keywarden/internal/wire"
)

// Config represents the complete keywarden daemon configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

// ListenConfig holds the transport the agent binds to
type ListenConfig struct {
	// Network is "unix" (the normal case) or "tcp" (loopback testing)
	Network string `yaml:"network"`
	// Address is the socket path for unix, host:port for tcp
	Address string `yaml:"address"`
}

// AgentConfig holds protocol-level tuning
type AgentConfig struct {
	// MaxFrameSize bounds a single request frame; 0 uses the default
	MaxFrameSize uint32 `yaml:"max_frame_size"`
	// DecodeFailurePolicy is "reply" (answer a failure frame and keep the
	// connection, the default) or "close"
	DecodeFailurePolicy string `yaml:"decode_failure_policy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used where the file does not override a field.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Network: "unix",
		},
		Agent: AgentConfig{
			MaxFrameSize:        wire.DefaultMaxFrameSize,
			DecodeFailurePolicy: "reply",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Listen.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("listen.network must be \"unix\" or \"tcp\", got %q", c.Listen.Network)
	}

	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	switch c.Agent.DecodeFailurePolicy {
	case "reply", "close":
	default:
		return fmt.Errorf("agent.decode_failure_policy must be \"reply\" or \"close\", got %q", c.Agent.DecodeFailurePolicy)
	}

	return nil
}

// DecodePolicy maps the configured policy string onto the server's type.
func (c *Config) DecodePolicy() server.DecodePolicy {
	if c.Agent.DecodeFailurePolicy == "close" {
		return server.PolicyClose
	}
	return server.PolicyReply
}
