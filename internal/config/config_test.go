// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:3001"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./tether.db"

tenants:
  driver: postgres
  dsn: "postgres://tether@localhost/backoffice?sslmode=disable"

auth:
  jwt_secret: "s3cret"

auth_state:
  encryption_key: "k"

sessions:
  reconnect_delay: "2s"
  reconnect_max_delay: "1m"
  pairing_rebroadcast: "10s"
  timezone: "UTC"
  autoconnect: false
  purge_history_on_logout: true

protocol:
  driver: matrix
  matrix:
    homeserver: "https://matrix.example.org"
    pairing_redirect_url: "https://tether.example.org/pair/callback"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:3001" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:3001")
	}
	if cfg.Tenants.Driver != "postgres" {
		t.Errorf("Tenants.Driver = %q, want postgres", cfg.Tenants.Driver)
	}
	if cfg.Sessions.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.Sessions.ReconnectDelay)
	}
	if cfg.Sessions.ReconnectMaxDelay != time.Minute {
		t.Errorf("ReconnectMaxDelay = %v, want 1m", cfg.Sessions.ReconnectMaxDelay)
	}
	if cfg.Sessions.PairingRebroadcast != 10*time.Second {
		t.Errorf("PairingRebroadcast = %v, want 10s", cfg.Sessions.PairingRebroadcast)
	}
	if cfg.Sessions.AutoconnectEnabled() {
		t.Error("AutoconnectEnabled() = true, want false")
	}
	if !cfg.Sessions.PurgeHistoryOnLogout {
		t.Error("PurgeHistoryOnLogout = false, want true")
	}
	if cfg.Protocol.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("Matrix.Homeserver = %q", cfg.Protocol.Matrix.Homeserver)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":3001"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sessions.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want %v", cfg.Sessions.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.Sessions.ReconnectMaxDelay != 0 {
		t.Errorf("ReconnectMaxDelay = %v, want 0", cfg.Sessions.ReconnectMaxDelay)
	}
	if cfg.Sessions.PairingRebroadcast != 20*time.Second {
		t.Errorf("PairingRebroadcast = %v, want 20s", cfg.Sessions.PairingRebroadcast)
	}
	if cfg.Sessions.TimeZone != "Africa/Luanda" {
		t.Errorf("TimeZone = %q, want Africa/Luanda", cfg.Sessions.TimeZone)
	}
	if !cfg.Sessions.AutoconnectEnabled() {
		t.Error("AutoconnectEnabled() = false, want true by default")
	}
	if cfg.Protocol.Driver != "loopback" || cfg.Tenants.Driver != "sqlite" {
		t.Errorf("drivers = %q/%q, want loopback/sqlite", cfg.Protocol.Driver, cfg.Tenants.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %q/%q, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = ":3001"

[database]
path = "/var/lib/tether/tether.db"

[sessions]
reconnect_delay = "500ms"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/tether/tether.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Sessions.ReconnectDelay != 500*time.Millisecond {
		t.Errorf("ReconnectDelay = %v, want 500ms", cfg.Sessions.ReconnectDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TETHER_TEST_SECRET", "from-env")
	t.Setenv("TETHER_TEST_DB", "/tmp/env.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":3001"
database:
  path: "${TETHER_TEST_DB}"
auth:
  jwt_secret: "${TETHER_TEST_SECRET}"
auth_state:
  encryption_key: "${TETHER_TEST_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want /tmp/env.db", cfg.Database.Path)
	}
	if cfg.AuthState.EncryptionKey != "" {
		t.Errorf("unset env var should expand to empty, got %q", cfg.AuthState.EncryptionKey)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [",
			wantErr: "parsing config file",
		},
		{
			name:    "missing http addr",
			content: "database:\n  path: x.db\n",
			wantErr: "server.http_addr is required",
		},
		{
			name:    "missing database",
			content: "server:\n  http_addr: :3001\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\nsessions:\n  reconnect_delay: soon\n",
			wantErr: "reconnect_delay",
		},
		{
			name:    "postgres without dsn",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\ntenants:\n  driver: postgres\n",
			wantErr: "tenants.dsn is required",
		},
		{
			name:    "unknown tenants driver",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\ntenants:\n  driver: redis\n",
			wantErr: "not supported",
		},
		{
			name:    "matrix without homeserver",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\nprotocol:\n  driver: matrix\n",
			wantErr: "protocol.matrix.homeserver is required",
		},
		{
			name:    "matrix encryption without data dir",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\nprotocol:\n  driver: matrix\n  matrix:\n    homeserver: https://m.org\n    encryption: true\n",
			wantErr: "data_dir is required",
		},
		{
			name:    "unknown protocol driver",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\nprotocol:\n  driver: telex\n",
			wantErr: "not supported",
		},
		{
			name:    "bad timezone",
			content: "server:\n  http_addr: :3001\ndatabase:\n  path: x.db\nsessions:\n  timezone: Mars/Olympus\n",
			wantErr: "sessions.timezone",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), false)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TETHER_A", "1")
	got := expandEnvVars("a=${TETHER_A} b=${TETHER_B_UNSET} c=$TETHER_A")
	want := "a=1 b= c=$TETHER_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
