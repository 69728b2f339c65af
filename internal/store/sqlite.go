// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed; ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// busy_timeout is per connection, so it goes in the DSN for every pooled conn
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// each pooled connection to :memory: would get its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}

	if err := s.createSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		s.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS raw_events (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			direction       TEXT NOT NULL,
			from_self       INTEGER NOT NULL DEFAULT 0,
			sender_name     TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL,
			raw_payload     BLOB,
			timestamp       TEXT NOT NULL,
			rating          TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,

			UNIQUE (session_id, conversation_id, message_id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_raw_events_session
			ON raw_events(session_id, seq);

		CREATE INDEX IF NOT EXISTS idx_raw_events_conversation
			ON raw_events(session_id, conversation_id, seq);

		CREATE TABLE IF NOT EXISTS auth_state (
			session_id TEXT PRIMARY KEY,
			state      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tenant_status (
			key        TEXT PRIMARY KEY,
			status     INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,

			CHECK (status IN (0, 1))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema changes to databases created by earlier releases.
// Each migration checks the current shape first so it is safe to run repeatedly.
func (s *SQLiteStore) runMigrations() error {
	hasRating, err := s.columnExists("raw_events", "rating")
	if err != nil {
		return err
	}
	if !hasRating {
		if _, err := s.db.Exec(`ALTER TABLE raw_events ADD COLUMN rating TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("adding raw_events.rating: %w", err)
		}
		s.logger.Info("migrated raw_events: added rating column")
	}

	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// DB returns the underlying database handle for components that share it
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// isConstraintViolation reports whether err came from a UNIQUE or CHECK constraint
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed")
}
