// ABOUTME: Optional end-to-end encryption for Matrix sessions
// ABOUTME: One sqlite crypto store per session and device, reset when the device changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// setupCrypto opens the session's crypto store and attaches it to the client
// so outbound messages to encrypted rooms are encrypted and inbound ones decrypted.
func (c *Conn) setupCrypto(ctx context.Context) error {
	dir := c.factory.cfg.DataDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating crypto directory: %w", err)
	}

	userID := c.client.UserID.String()
	dbPath := filepath.Join(dir, fmt.Sprintf("crypto-%s-%s.db", slugify(c.sessionID), slugify(userID)))

	stale, err := checkDeviceIDMismatch(dbPath, c.client.DeviceID.String())
	if err != nil {
		c.logger.Debug("could not check crypto store device", "error", err)
	} else if stale {
		c.logger.Warn("crypto store belongs to another device, resetting", "db", dbPath)
		removeCryptoStore(dbPath)
	}

	helper, err := cryptohelper.NewCryptoHelper(c.client, pickleKey(c.factory.cfg.PickleKey, userID), dbPath)
	if err != nil {
		return fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("initializing crypto helper: %w", err)
	}
	c.client.Crypto = helper

	c.mu.Lock()
	c.crypto = helper
	c.cryptoPath = dbPath
	c.mu.Unlock()

	c.logger.Info("encryption enabled", "db", dbPath)
	return nil
}

// pickleKey is the configured key, or one derived from the user id when unset
func pickleKey(configured, userID string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	h := sha256.Sum256([]byte("tether-matrix-crypto:" + userID))
	return h[:]
}

// slugify makes an id safe for a file name: @bot:example.org becomes bot_example.org
func slugify(s string) string {
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '.', ch == '-', ch == '_':
			out = append(out, ch)
		case ch == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

// checkDeviceIDMismatch reports whether an existing crypto store was created
// for a different device than the one the client is logged in as.
func checkDeviceIDMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

func removeCryptoStore(dbPath string) {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		_ = os.Remove(p)
	}
}
