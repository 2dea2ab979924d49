package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/credvault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TxRunner = (*TxRunner)(nil)

// TxRunner runs units of work on the writer connection inside one
// transaction, handing out credential and audit stores bound to it.
type TxRunner struct {
	db *DB
}

// NewTxRunner creates a TxRunner backed by the given DB.
func NewTxRunner(db *DB) *TxRunner {
	return &TxRunner{db: db}
}

// InTx commits if fn returns nil and rolls back otherwise. The error from fn
// is returned unwrapped so callers can match sentinels.
func (r *TxRunner) InTx(ctx context.Context, fn func(stores driven.TxStores) error) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	stores := driven.TxStores{
		Credentials: &CredentialRepo{read: tx, write: tx},
		Audit:       &AuditRepo{read: tx, write: tx},
	}
	if err := fn(stores); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
