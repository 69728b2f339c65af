// ABOUTME: Entry point for the tether session relay
// ABOUTME: Subcommands serve, init, token and health share one config file lookup

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _   _
 | |_ ___| |_| |__   ___ _ __
 | __/ _ \ __| '_ \ / _ \ '__|
 | ||  __/ |_| | | |  __/ |
  \__\___|\__|_| |_|\___|_|
`

// defaultTokenTTL is used by "tether token" when --ttl is not given.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: TETHER_CONFIG env var > XDG_CONFIG_HOME/tether/gateway.yaml > ~/.config/tether/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tether", "gateway.yaml")
}

// getDataPath returns the path to the tether data directory.
// Priority: XDG_DATA_HOME/tether > ~/.local/share/tether
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tether")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tether <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the relay")
		fmt.Println("  init                           Create a new config file interactively")
		fmt.Println("  token --session ID | --admin   Mint a control channel token")
		fmt.Println("  health                         Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Protocol:  %s", cfg.Protocol.Driver)
	if cfg.Protocol.Driver == "matrix" {
		gray.Printf(" (%s)", cfg.Protocol.Matrix.Homeserver)
	}
	fmt.Println()
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting tether",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"protocol", cfg.Protocol.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// tokenRequest is what "tether token" was asked to mint.
type tokenRequest struct {
	sessionID string
	operator  string
	ttl       time.Duration
}

// parseTokenArgs accepts --session ID, --admin [NAME] and --ttl DURATION,
// in both "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (tokenRequest, error) {
	req := tokenRequest{ttl: defaultTokenTTL}
	admin := false

	value := func(i *int, name string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, inline, hasInline := strings.Cut(arg, "=")
		var err error
		switch name {
		case "--session", "-s":
			if hasInline {
				req.sessionID = inline
			} else if req.sessionID, err = value(&i, name); err != nil {
				return req, err
			}
		case "--admin":
			admin = true
			if hasInline {
				req.operator = inline
			} else if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				req.operator = args[i]
			}
		case "--ttl":
			raw := inline
			if !hasInline {
				if raw, err = value(&i, name); err != nil {
					return req, err
				}
			}
			if req.ttl, err = time.ParseDuration(raw); err != nil {
				return req, fmt.Errorf("invalid --ttl: %w", err)
			}
			if req.ttl <= 0 {
				return req, fmt.Errorf("--ttl must be positive")
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return req, fmt.Errorf("unknown flag: %s", arg)
			}
			return req, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	switch {
	case admin && req.sessionID != "":
		return req, fmt.Errorf("--session and --admin are mutually exclusive")
	case admin:
		if req.operator == "" {
			req.operator = "operator"
		}
	case req.sessionID == "":
		return req, fmt.Errorf("--session or --admin is required")
	}
	return req, nil
}

func runToken(args []string) error {
	req, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the control channel is open")
	}

	token, err := mintToken(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), req)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func mintToken(v *auth.JWTVerifier, req tokenRequest) (string, error) {
	if req.sessionID != "" {
		token, err := v.GenerateSession(req.sessionID, req.ttl)
		if err != nil {
			return "", fmt.Errorf("generating session token: %w", err)
		}
		return token, nil
	}
	token, err := v.GenerateAdmin(req.operator, req.ttl)
	if err != nil {
		return "", fmt.Errorf("generating admin token: %w", err)
	}
	return token, nil
}

// initOptions are the answers collected by "tether init".
type initOptions struct {
	HTTPAddr    string
	GRPCAddr    string
	DBPath      string
	JWTSecret   string
	Driver      string
	Homeserver  string
	RedirectURL string
	MatrixData  string
	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSFunnel    bool
	LogLevel    string
	LogFormat   string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tether configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	defaultDataPath := getDataPath()
	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	opts := initOptions{JWTSecret: secret}

	fmt.Println("\n--- Server Configuration ---")
	opts.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")
	opts.GRPCAddr = prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	opts.DBPath = prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "tether.db"))

	fmt.Println("\n--- Protocol Configuration ---")
	opts.Driver = prompt(reader, "Protocol driver (loopback/matrix)", "loopback")
	if opts.Driver == "matrix" {
		opts.Homeserver = prompt(reader, "Matrix homeserver URL", "https://matrix.org")
		opts.RedirectURL = prompt(reader, "Pairing redirect URL", "http://"+opts.HTTPAddr+"/pair/callback")
		opts.MatrixData = prompt(reader, "Matrix data directory", filepath.Join(defaultDataPath, "matrix"))
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	opts.Tailscale = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if opts.Tailscale {
		opts.TSHostname = prompt(reader, "Tailscale hostname", "tether")
		opts.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		opts.TSFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	opts.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	opts.LogFormat = prompt(reader, "Log format (text/json)", "text")

	content := renderConfig(opts)
	if _, err := config.Parse([]byte(content), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// the file carries the jwt secret
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(opts.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the relay:")
	fmt.Println("  tether serve")
	fmt.Println("\nTo mint an operator token:")
	fmt.Println("  tether token --admin")

	return nil
}

// renderConfig writes opts as a YAML config file.
func renderConfig(opts initOptions) string {
	var cfg strings.Builder
	cfg.WriteString("# tether configuration\n")
	cfg.WriteString("# Generated by tether init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", opts.HTTPAddr))
	if opts.GRPCAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", opts.GRPCAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", opts.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", opts.JWTSecret))
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  reconnect_delay: %q\n", config.DefaultReconnectDelay.String()))
	cfg.WriteString(fmt.Sprintf("  pairing_rebroadcast: %q\n", config.DefaultPairingRebroadcast.String()))
	cfg.WriteString(fmt.Sprintf("  timezone: %q\n", config.DefaultTimeZone))
	cfg.WriteString("\n")

	cfg.WriteString("protocol:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", opts.Driver))
	if opts.Driver == "matrix" {
		cfg.WriteString("  matrix:\n")
		cfg.WriteString(fmt.Sprintf("    homeserver: %q\n", opts.Homeserver))
		cfg.WriteString(fmt.Sprintf("    pairing_redirect_url: %q\n", opts.RedirectURL))
		cfg.WriteString(fmt.Sprintf("    data_dir: %q\n", opts.MatrixData))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", opts.Tailscale))
	if opts.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", opts.TSHostname))
		if opts.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", opts.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", opts.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", opts.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", opts.LogFormat))

	return cfg.String()
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
