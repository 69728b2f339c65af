// ABOUTME: Matrix protocol driver factory
// ABOUTME: One mautrix client per session, paired through the homeserver's SSO token login

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tether/internal/dedupe"
	"github.com/2389/tether/internal/protocol"
)

// Credential keys written on pairing and read back on resume
const (
	CredHomeserver  = "homeserver"
	CredUserID      = "user_id"
	CredAccessToken = "access_token"
	CredDeviceID    = "device_id"
)

// DefaultDeviceName is the display name given to devices created by pairing.
const DefaultDeviceName = "tether"

const (
	seenTTL      = 30 * time.Minute
	seenCapacity = 10000
)

// ErrNoRedirectURL is returned when a session must pair but no SSO redirect is configured.
var ErrNoRedirectURL = errors.New("matrix pairing redirect url not configured")

// Config configures the Matrix driver.
type Config struct {
	Homeserver         string
	PairingRedirectURL string
	DataDir            string
	Encryption         bool
	PickleKey          string
	DeviceName         string
}

// Factory creates Matrix connections.
type Factory struct {
	cfg    Config
	seen   *dedupe.Window
	logger *slog.Logger

	// sync positions survive reconnects so a resumed connection only sees new events
	mu         sync.Mutex
	syncStores map[string]*mautrix.MemorySyncStore
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *slog.Logger) (*Factory, error) {
	if _, err := url.Parse(cfg.Homeserver); err != nil || cfg.Homeserver == "" {
		return nil, fmt.Errorf("invalid matrix homeserver %q", cfg.Homeserver)
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:        cfg,
		seen:       dedupe.New(seenTTL, seenCapacity),
		logger:     logger.With("component", "matrix"),
		syncStores: make(map[string]*mautrix.MemorySyncStore),
	}, nil
}

// Create implements protocol.Factory. With credentials the connection
// verifies them and starts syncing; without, it emits an SSO login URL as
// its pairing code and waits for CompletePairing.
func (f *Factory) Create(ctx context.Context, sessionID string, creds protocol.Credentials) (protocol.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	homeserver := f.cfg.Homeserver
	if hs := creds[CredHomeserver]; hs != "" {
		homeserver = hs
	}
	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	client.Store = f.syncStore(sessionID)

	c := newConn(sessionID, f, client)

	if creds[CredAccessToken] != "" {
		client.UserID = id.UserID(creds[CredUserID])
		client.AccessToken = creds[CredAccessToken]
		client.DeviceID = id.DeviceID(creds[CredDeviceID])
		c.start(true)
		return c, nil
	}

	code, err := f.pairingURL(client, sessionID)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.emit(protocol.PairingCode{Code: code})
	return c, nil
}

// Close releases the factory's shared state.
func (f *Factory) Close() error {
	f.seen.Close()
	return nil
}

func (f *Factory) syncStore(sessionID string) *mautrix.MemorySyncStore {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.syncStores[sessionID]
	if !ok {
		s = mautrix.NewMemorySyncStore()
		f.syncStores[sessionID] = s
	}
	return s
}

// forget drops everything the factory remembers about a logged out session
func (f *Factory) forget(sessionID string) {
	f.mu.Lock()
	delete(f.syncStores, sessionID)
	f.mu.Unlock()
	f.seen.ForgetPrefix(sessionID + "/")
}

// pairingURL builds the SSO redirect a person opens to pair the session.
// The homeserver sends the browser back to the redirect with a loginToken.
func (f *Factory) pairingURL(client *mautrix.Client, sessionID string) (string, error) {
	if f.cfg.PairingRedirectURL == "" {
		return "", ErrNoRedirectURL
	}
	redirect, err := url.Parse(f.cfg.PairingRedirectURL)
	if err != nil {
		return "", fmt.Errorf("parsing pairing redirect url: %w", err)
	}
	q := redirect.Query()
	q.Set("session", sessionID)
	redirect.RawQuery = q.Encode()

	return client.BuildURLWithQuery(
		mautrix.ClientURLPath{"v3", "login", "sso", "redirect"},
		map[string]string{"redirectUrl": redirect.String()},
	), nil
}
