// ABOUTME: Tenant metadata lookup for per-conversation active/blocked status
// ABOUTME: Backed by the gateway store or by the tenant's own client table

package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/tether/internal/store"
)

// ErrNotFound is returned when the tenant has no record for a conversation
var ErrNotFound = errors.New("tenant record not found")

// Status is the tenant's view of a conversation.
type Status struct {
	Active bool
}

// Lookup resolves and updates conversation status.
type Lookup interface {
	StatusOf(ctx context.Context, key string) (Status, error)
	SetStatus(ctx context.Context, key string, active bool) error
}

// StoreLookup keeps status in the gateway's own store.
type StoreLookup struct {
	store store.TenantStore
}

// NewStoreLookup returns a Lookup over the gateway store.
func NewStoreLookup(s store.TenantStore) *StoreLookup {
	return &StoreLookup{store: s}
}

// StatusOf implements Lookup.
func (l *StoreLookup) StatusOf(ctx context.Context, key string) (Status, error) {
	ts, err := l.store.GetTenantStatus(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading status of %s: %w", key, err)
	}
	return Status{Active: ts.Active}, nil
}

// SetStatus implements Lookup. Unknown keys are created.
func (l *StoreLookup) SetStatus(ctx context.Context, key string, active bool) error {
	if err := l.store.SetTenantStatus(ctx, key, active); err != nil {
		return fmt.Errorf("writing status of %s: %w", key, err)
	}
	return nil
}
