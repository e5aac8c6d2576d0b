// Package config handles configuration loading for the fleet server.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Missing values fall back to defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLEET_CONFIG environment variable
//  2. ~/.config/fleet/server.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  storage: "/var/lib/fleet"   # one <realm>.db per realm
//	  ephemeral: false            # keep everything in memory
//
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//	  session_ttl: "24h"
//
//	network:
//	  stale_after: "90s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// The same keys work in TOML:
//
//	[database]
//	storage = "/var/lib/fleet"
package config
