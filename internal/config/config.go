// ABOUTME: Configuration loading and parsing for tether
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // zone data for hosts without a zoneinfo database

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultReconnectDelay     = time.Second
	DefaultPairingRebroadcast = 20 * time.Second
	DefaultTimeZone           = "Africa/Luanda"
	DefaultProtocolDriver     = "loopback"
	DefaultTenantsDriver      = "sqlite"
)

// Config represents the complete tether configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Tenants   TenantsConfig   `yaml:"tenants" toml:"tenants"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	AuthState AuthStateConfig `yaml:"auth_state" toml:"auth_state"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Protocol  ProtocolConfig  `yaml:"protocol" toml:"protocol"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional health service
	// AllowedOrigins are websocket origin patterns; empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig holds the gateway database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// TenantsConfig selects where conversation status lives.
// "sqlite" keeps it in the gateway database; "postgres" reads the tenant's client table.
type TenantsConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds control channel authentication configuration.
// An empty secret leaves the control channel open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AuthStateConfig holds credential storage configuration
type AuthStateConfig struct {
	EncryptionKey string `yaml:"encryption_key" toml:"encryption_key"`
}

// SessionsConfig holds session lifecycle timing
type SessionsConfig struct {
	ReconnectDelay       time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxDelay    time.Duration `yaml:"-" toml:"-"`
	PairingRebroadcast   time.Duration `yaml:"-" toml:"-"`
	TimeZone             string        `yaml:"timezone" toml:"timezone"`
	Autoconnect          *bool         `yaml:"autoconnect" toml:"autoconnect"`
	PurgeHistoryOnLogout bool          `yaml:"purge_history_on_logout" toml:"purge_history_on_logout"`

	// Raw string values for unmarshaling
	ReconnectDelayRaw     string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay" toml:"reconnect_max_delay"`
	PairingRebroadcastRaw string `yaml:"pairing_rebroadcast" toml:"pairing_rebroadcast"`
}

// AutoconnectEnabled reports whether persisted sessions are restored at boot (default true)
func (s SessionsConfig) AutoconnectEnabled() bool {
	return s.Autoconnect == nil || *s.Autoconnect
}

// ProtocolConfig selects and configures the protocol driver
type ProtocolConfig struct {
	Driver string       `yaml:"driver" toml:"driver"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds the Matrix driver configuration
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	// PairingRedirectURL is where the homeserver's SSO login sends the browser
	// back to; it should reach this gateway's /pair/callback route.
	PairingRedirectURL string `yaml:"pairing_redirect_url" toml:"pairing_redirect_url"`
	DataDir            string `yaml:"data_dir" toml:"data_dir"`
	Encryption         bool   `yaml:"encryption" toml:"encryption"`
	PickleKey          string `yaml:"pickle_key" toml:"pickle_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, applies defaults and validates.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Sessions.ReconnectDelay == 0 {
		c.Sessions.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Sessions.PairingRebroadcast == 0 {
		c.Sessions.PairingRebroadcast = DefaultPairingRebroadcast
	}
	if c.Sessions.TimeZone == "" {
		c.Sessions.TimeZone = DefaultTimeZone
	}
	if c.Protocol.Driver == "" {
		c.Protocol.Driver = DefaultProtocolDriver
	}
	if c.Tenants.Driver == "" {
		c.Tenants.Driver = DefaultTenantsDriver
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
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Tenants.Driver {
	case "sqlite":
	case "postgres":
		if c.Tenants.DSN == "" {
			return fmt.Errorf("tenants.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("tenants.driver %q is not supported (sqlite, postgres)", c.Tenants.Driver)
	}

	switch c.Protocol.Driver {
	case "loopback":
	case "matrix":
		if c.Protocol.Matrix.Homeserver == "" {
			return fmt.Errorf("protocol.matrix.homeserver is required for the matrix driver")
		}
		if c.Protocol.Matrix.Encryption && c.Protocol.Matrix.DataDir == "" {
			return fmt.Errorf("protocol.matrix.data_dir is required when encryption is enabled")
		}
	default:
		return fmt.Errorf("protocol.driver %q is not supported (loopback, matrix)", c.Protocol.Driver)
	}

	if c.Sessions.ReconnectDelay < 0 || c.Sessions.ReconnectMaxDelay < 0 {
		return fmt.Errorf("sessions reconnect delays must not be negative")
	}

	if _, err := time.LoadLocation(c.Sessions.TimeZone); err != nil {
		return fmt.Errorf("sessions.timezone %q: %w", c.Sessions.TimeZone, err)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_delay", cfg.Sessions.ReconnectDelayRaw, &cfg.Sessions.ReconnectDelay},
		{"reconnect_max_delay", cfg.Sessions.ReconnectMaxDelayRaw, &cfg.Sessions.ReconnectMaxDelay},
		{"pairing_rebroadcast", cfg.Sessions.PairingRebroadcastRaw, &cfg.Sessions.PairingRebroadcast},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
