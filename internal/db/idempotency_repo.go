package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"jewelerp/internal/types"
)

// IdempotencyRepository is the ledger mapping an idempotency key to the
// invoice it produced. It lets a non-idempotent invoice backend be driven
// safely by at-least-once delivery.
type IdempotencyRepository struct {
	db DBTX
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Lookup returns the invoice recorded under key, or nil when the key is new.
func (r *IdempotencyRepository) Lookup(ctx context.Context, key string) (*types.Invoice, error) {
	inv := types.Invoice{IdempotencyKey: key}
	err := r.db.QueryRow(ctx,
		`SELECT invoice_id, invoice_number, customer_id, created_at
		 FROM idempotency_keys
		 WHERE key = $1`,
		key,
	).Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up idempotency key", err)
	}
	return &inv, nil
}

// Record stores inv under its key. When a concurrent writer recorded the key
// first, the stored invoice is returned instead and callers must use it.
func (r *IdempotencyRepository) Record(ctx context.Context, inv *types.Invoice) (*types.Invoice, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, invoice_id, invoice_number, customer_id, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		inv.IdempotencyKey,
		inv.ID,
		inv.Number,
		inv.CustomerID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record idempotency key", err)
	}
	if tag.RowsAffected() == 1 {
		return inv, nil
	}

	existing, err := r.Lookup(ctx, inv.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "idempotency key vanished after conflict", nil)
	}
	return existing, nil
}
