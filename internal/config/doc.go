// Package config handles configuration loading for chatrelay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHATRELAY_CONFIG environment variable
//  2. ./chatrelay.yaml (current directory)
//  3. ~/.config/chatrelay/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  token: "${CHATRELAY_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  poll_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Backend endpoint and request defaults:
//
//	backend:
//	  url: "https://chat.example.com"
//	  token: "${CHATRELAY_TOKEN}"
//	  model: "assistant-v2"
//	  agent_id: "benefits"     # optional
//	  language: "en"           # optional
//	  web_search: false
//
// Offline queue:
//
//	queue:
//	  path: "~/.local/share/chatrelay/queue.db"
//	  max_attempts: 5      # attempts before permanently_failed
//	  rate_per_sec: 2      # delivery pacing
//	  burst: 1
//
// Reference templates:
//
//	templates:
//	  manifest_path: "./templates.toml"
//
// Background sync:
//
//	sync:
//	  poll_interval: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Backend URL and model presence
//   - Queue path presence
//   - Attempt ceiling and rate positivity
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/chatrelay/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
