package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
)

// IdentityAdapter implements storage.IdentityStore on the shared connection.
// The current customer lives in a single row so restarts resume with the
// same identity.
type IdentityAdapter struct {
	db *sql.DB
}

// NewIdentityAdapter creates an identity adapter sharing the queue adapter's
// connection.
func NewIdentityAdapter(db *sql.DB) *IdentityAdapter {
	return &IdentityAdapter{db: db}
}

// ReadCustomer returns the persisted identity, or storage.ErrNotFound on a
// fresh install.
func (a *IdentityAdapter) ReadCustomer(ctx context.Context) (v1.CustomerIDs, error) {
	var idsJSON []byte
	err := a.db.QueryRowContext(ctx, queryReadCustomer).Scan(&idsJSON)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read customer identity: %w", err)
	}

	var ids v1.CustomerIDs
	if err := json.Unmarshal(idsJSON, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer identity: %w", err)
	}
	return ids, nil
}

// WriteCustomer replaces the persisted identity.
func (a *IdentityAdapter) WriteCustomer(ctx context.Context, ids v1.CustomerIDs) error {
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal customer identity: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, queryWriteCustomer, idsJSON); err != nil {
		return fmt.Errorf("failed to write customer identity: %w", err)
	}
	return nil
}
