// ABOUTME: Gateway orchestrator that wires sessions, storage and the control channel
// ABOUTME: Owns the HTTP and gRPC health servers and their shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/authstate"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/control"
	"github.com/2389/tether/internal/conversation"
	"github.com/2389/tether/internal/hub"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/protocol/loopback"
	"github.com/2389/tether/internal/protocol/matrix"
	"github.com/2389/tether/internal/session"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/tenant"
)

// SessionServicePrefix prefixes the per-session gRPC health service names.
const SessionServicePrefix = "tether.session."

// tailscaleGRPCPort is where the health service listens on the tailnet
const tailscaleGRPCPort = ":50051"

// Gateway orchestrates the tether server components.
type Gateway struct {
	config    *config.Config
	store     store.Store
	tenants   tenant.Lookup
	creds     *authstate.Store
	assembler *conversation.Assembler
	hub       *hub.Hub
	factory   protocol.Factory
	sessions  *session.Manager
	control   *control.Handler
	logger    *slog.Logger

	// verifier is nil when no jwt_secret is configured
	verifier auth.TokenVerifier

	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// closers release driver and tenant resources on shutdown
	closers []namedCloser
}

type namedCloser struct {
	label string
	c     io.Closer
}

// initStore creates the gateway store; TETHER_DB_PATH overrides the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TETHER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initTenants picks where conversation status lives.
func initTenants(cfg *config.Config, s store.Store) (tenant.Lookup, io.Closer, error) {
	switch cfg.Tenants.Driver {
	case "postgres":
		l, err := tenant.OpenSQL("postgres", cfg.Tenants.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	default:
		return tenant.NewStoreLookup(s), nil, nil
	}
}

// initFactory creates the configured protocol driver.
func initFactory(cfg *config.Config, logger *slog.Logger) (protocol.Factory, error) {
	switch cfg.Protocol.Driver {
	case "matrix":
		m := cfg.Protocol.Matrix
		f, err := matrix.NewFactory(matrix.Config{
			Homeserver:         m.Homeserver,
			PairingRedirectURL: m.PairingRedirectURL,
			DataDir:            m.DataDir,
			Encryption:         m.Encryption,
			PickleKey:          m.PickleKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating matrix driver: %w", err)
		}
		return f, nil
	case "loopback", "":
		logger.Warn("using loopback protocol driver; sessions only talk to themselves")
		return loopback.NewFactory(), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Protocol.Driver)
	}
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		hub:    hub.New(logger),
		health: health.NewServer(),
		logger: logger.With("component", "gateway"),
	}

	if err := gw.init(cfg, logger); err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) init(cfg *config.Config, logger *slog.Logger) error {
	tenants, tenantCloser, err := initTenants(cfg, g.store)
	if err != nil {
		return err
	}
	g.tenants = tenants
	if tenantCloser != nil {
		g.closers = append(g.closers, namedCloser{"tenant database close", tenantCloser})
	}

	if cfg.AuthState.EncryptionKey == "" {
		g.logger.Warn("auth_state.encryption_key not set - credentials stored unsealed")
	}
	g.creds, err = authstate.New(g.store, cfg.AuthState.EncryptionKey, logger)
	if err != nil {
		return fmt.Errorf("creating credential store: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Sessions.TimeZone)
	if err != nil {
		return fmt.Errorf("loading time zone %q: %w", cfg.Sessions.TimeZone, err)
	}
	g.assembler, err = conversation.NewAssembler(g.store, tenants, loc, logger)
	if err != nil {
		return err
	}

	g.factory, err = initFactory(cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := g.factory.(io.Closer); ok {
		g.closers = append(g.closers, namedCloser{"protocol driver close", c})
	}

	g.sessions = session.NewManager(session.Options{
		Factory:              g.factory,
		Creds:                g.creds,
		Events:               g.store,
		Assembler:            g.assembler,
		Hub:                  g.hub,
		Tenants:              tenants,
		ReconnectDelay:       cfg.Sessions.ReconnectDelay,
		ReconnectMaxDelay:    cfg.Sessions.ReconnectMaxDelay,
		PairingRebroadcast:   cfg.Sessions.PairingRebroadcast,
		PurgeHistoryOnLogout: cfg.Sessions.PurgeHistoryOnLogout,
		OnStateChange:        g.reportSessionHealth,
		Logger:               logger,
	})

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		g.logger.Info("control channel and API auth enabled")
	} else {
		g.logger.Warn("auth disabled - no jwt_secret configured")
	}

	g.control = control.NewHandler(g.sessions, g.hub, g.verifier, cfg.Server.AllowedOrigins, logger)

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.grpcServer = createGRPCServer(g.health)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// reportSessionHealth mirrors session state into the gRPC health service.
func (g *Gateway) reportSessionHealth(sessionID string, state session.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == session.StateOpen {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(SessionServicePrefix+sessionID, status)
}

// grpcEnabled reports whether the health service gets a listener.
func (g *Gateway) grpcEnabled() bool {
	return g.config.Tailscale.Enabled || g.config.Server.GRPCAddr != ""
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcEnabled() {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// restoreSessions reconnects every session with stored credentials.
func (g *Gateway) restoreSessions(ctx context.Context) {
	if err := g.sessions.Restore(ctx); err != nil {
		g.logger.Warn("some sessions failed to restore", "error", err)
	}
}

// Run starts the servers and blocks until the context is canceled or a
// server fails. Persisted sessions are restored in the background once the
// listeners are up.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	if g.config.Sessions.AutoconnectEnabled() {
		go g.restoreSessions(ctx)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
// Funnel makes the pairing callback reachable from the public internet.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops sessions and observers and releases driver resources.
// Components may be nil when New failed partway.
func (g *Gateway) closeComponents() []error {
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.hub != nil {
		g.hub.Close()
	}
	var errs []error
	for _, nc := range g.closers {
		errs = appendCloseError(errs, nc.label, nc.c.Close())
	}
	g.closers = nil
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	errs = append(errs, g.closeComponents()...)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
