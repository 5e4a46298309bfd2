// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every value has a default, so a missing file is not an error for
// LoadOrDefault.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// A path ending in .toml is parsed as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	heartbeat:
//	  interval: "30s"
//	  timeout: "90s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	tailscale:
//	  enabled: false
//	  hostname: "coven-relay"
//	registry:
//	  max_connections: 1000
//	  max_queued_messages: 100
//	  queue_ttl: "10m"
//	  send_timeout: "5s"
//	rate_limit:
//	  window: "60s"
//	  max_messages: 120
//	uploads:
//	  per_minute: 10
//	  per_hour: 100
//	  max_file_size: 10485760
//	  max_hourly_bytes: 104857600
//	  cooldown: "5m"
//	interactive:
//	  question_timeout_minutes: 5
//	  allow_partial_answers: true
//	envelope:
//	  render_markdown: false
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, found, err := config.LoadOrDefault(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
