// Package config handles configuration loading for tether.
//
// # Overview
//
// Configuration is read from a YAML file, or TOML when the file name ends
// in .toml. Missing optional fields receive defaults and the result is
// validated before it is returned.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TETHER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tether/gateway.yaml
//  3. ~/.config/tether/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TETHER_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  reconnect_delay: "1s"
//	  reconnect_max_delay: "2m"   # enables capped exponential backoff
//	  pairing_rebroadcast: "20s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:3001"
//	database:
//	  path: "~/.local/share/tether/tether.db"
//	tenants:
//	  driver: postgres
//	  dsn: "${TETHER_TENANTS_DSN}"
//	protocol:
//	  driver: matrix
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    pairing_redirect_url: "https://tether.example.org/pair/callback"
package config
