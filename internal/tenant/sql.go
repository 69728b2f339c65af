// ABOUTME: Tenant lookup against the back office "client" table via sqlx
// ABOUTME: Used when tenants keep conversation status in their own PostgreSQL database

package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// client.status values as the back office writes them
const (
	clientActive   = 0
	clientInactive = 1
)

type clientRow struct {
	Keyname string `db:"keyname"`
	Status  int    `db:"status"`
}

// SQLLookup reads and writes client.status keyed by client.keyname.
// The back office owns the rows; SQLLookup never inserts.
type SQLLookup struct {
	db *sqlx.DB
}

// OpenSQL connects to the tenant database. driver is usually "postgres".
func OpenSQL(driver, dsn string) (*SQLLookup, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to tenant database: %w", err)
	}
	return NewSQLLookup(db), nil
}

// NewSQLLookup wraps an open database handle.
func NewSQLLookup(db *sqlx.DB) *SQLLookup {
	return &SQLLookup{db: db}
}

// StatusOf implements Lookup.
func (l *SQLLookup) StatusOf(ctx context.Context, key string) (Status, error) {
	var row clientRow
	query := l.db.Rebind(`SELECT keyname, status FROM client WHERE keyname = ? LIMIT 1`)
	if err := l.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, ErrNotFound
		}
		return Status{}, fmt.Errorf("querying client %s: %w", key, err)
	}
	return Status{Active: row.Status == clientActive}, nil
}

// SetStatus implements Lookup. Returns ErrNotFound if no client row matches.
func (l *SQLLookup) SetStatus(ctx context.Context, key string, active bool) error {
	status := clientInactive
	if active {
		status = clientActive
	}

	query := l.db.Rebind(`UPDATE client SET status = ? WHERE keyname = ?`)
	res, err := l.db.ExecContext(ctx, query, status, key)
	if err != nil {
		return fmt.Errorf("updating client %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of client %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the tenant database.
func (l *SQLLookup) Close() error {
	return l.db.Close()
}
