// Package tenants resolves tenant context for multi-tenant requests.
package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/schoolworks/aegis/pkg/apperr"
)

// Tenant is one customer organization
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SchemaName string    `json:"schema_name"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store reads tenants from the shared database
type Store struct {
	db *sql.DB
}

// NewStore creates a tenant store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetByID returns the tenant, or a TENANT_NOT_FOUND error
func (s *Store) GetByID(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, schema_name, active, created_at FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.SchemaName, &t.Active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	return &t, nil
}

// Exists reports whether an active tenant with the id exists
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1 AND active = TRUE)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tenant existence: %w", err)
	}
	return exists, nil
}
