// ABOUTME: Load, save and purge protocol credentials per session
// ABOUTME: Credentials are JSON, optionally sealed with XChaCha20-Poly1305 at rest

package authstate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
)

var (
	// ErrAbsent is returned by Load when a session has no stored credentials
	ErrAbsent = errors.New("no credentials stored")

	// ErrUndecryptable is returned when a sealed blob cannot be opened with the configured key
	ErrUndecryptable = errors.New("credentials cannot be decrypted")
)

// sealedVersion prefixes sealed blobs. Plain blobs are JSON and start with '{'.
const sealedVersion byte = 0x01

var hkdfInfo = []byte("tether.authstate.v1")

// Store persists session credentials through a store.AuthStateStore.
type Store struct {
	backend store.AuthStateStore
	key     []byte // nil when sealing is disabled
	logger  *slog.Logger
}

// New returns a credential store. When secret is non-empty, blobs are sealed
// under a key derived from it; otherwise they are stored as plain JSON.
func New(backend store.AuthStateStore, secret string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend: backend,
		logger:  logger.With("component", "authstate"),
	}
	if secret != "" {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
			return nil, fmt.Errorf("deriving credential key: %w", err)
		}
		s.key = key
	}
	return s, nil
}

// Sealed reports whether credentials are encrypted at rest.
func (s *Store) Sealed() bool {
	return s.key != nil
}

// Load returns the stored credentials for a session, or ErrAbsent.
func (s *Store) Load(ctx context.Context, sessionID string) (protocol.Credentials, error) {
	blob, err := s.backend.GetAuthState(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	plain, err := s.open(sessionID, blob)
	if err != nil {
		return nil, err
	}

	var creds protocol.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return creds, nil
}

// Save replaces the stored credentials for a session.
func (s *Store) Save(ctx context.Context, sessionID string, creds protocol.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	blob, err := s.seal(sessionID, plain)
	if err != nil {
		return err
	}

	if err := s.backend.SaveAuthState(ctx, sessionID, blob); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// Purge deletes the stored credentials. Subsequent Loads return ErrAbsent.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	if err := s.backend.DeleteAuthState(ctx, sessionID); err != nil {
		return fmt.Errorf("purging credentials: %w", err)
	}
	s.logger.Info("credentials purged", "session_id", sessionID)
	return nil
}

// Sessions lists every session with stored credentials.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.backend.ListAuthSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credential sessions: %w", err)
	}
	return ids, nil
}

// seal encrypts plain with the session id as associated data, so a blob
// copied onto another session fails to open.
func (s *Store) seal(sessionID string, plain []byte) ([]byte, error) {
	if s.key == nil {
		return plain, nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// [version][nonce][ciphertext+tag]
	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plain)+aead.Overhead())
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plain, []byte(sessionID)), nil
}

func (s *Store) open(sessionID string, blob []byte) ([]byte, error) {
	if len(blob) == 0 || blob[0] != sealedVersion {
		if s.key != nil {
			s.logger.Warn("loaded unsealed credentials; they will be sealed on next save", "session_id", sessionID)
		}
		return blob, nil
	}

	if s.key == nil {
		return nil, fmt.Errorf("%w: blob is sealed but no key is configured", ErrUndecryptable)
	}

	overhead := 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < overhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrUndecryptable, len(blob), overhead)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return plain, nil
}
