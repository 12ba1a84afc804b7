// Package config handles configuration loading for the keywarden daemon.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults: an absent file field
// falls back to the value from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	listen:
//	  address: "${XDG_RUNTIME_DIR}/keywarden.sock"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Listener:
//
//	listen:
//	  network: "unix"                       # unix, tcp
//	  address: "/run/keywarden/agent.sock"  # socket path, or host:port for tcp
//
// Protocol tuning:
//
//	agent:
//	  max_frame_size: 262144        # bytes; 0 uses the built-in default
//	  decode_failure_policy: reply  # reply, close
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
