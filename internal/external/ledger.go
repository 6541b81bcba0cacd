package external

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"jewelerp/internal/types"
)

// IdempotencyLedger stores the invoice produced for each idempotency key.
type IdempotencyLedger interface {
	// Lookup returns the recorded invoice, or nil when the key is new.
	Lookup(ctx context.Context, key string) (*types.Invoice, error)
	// Record stores inv under inv.IdempotencyKey. If another writer won the
	// race, the stored invoice is returned.
	Record(ctx context.Context, inv *types.Invoice) (*types.Invoice, error)
}

// sharedCallTimeout bounds a collapsed generation, which runs detached from
// any single caller's context.
const sharedCallTimeout = 2 * time.Minute

// LedgerInvoiceGenerator makes any InvoiceGenerator safe under at-least-once
// delivery: a key already present in the ledger returns the recorded invoice
// without calling the backend. Concurrent calls for the same key inside one
// process are collapsed. The collapsed call is not tied to the caller that
// started it: a caller that gives up returns its own context error while the
// call completes and is recorded for the others.
//
// A crash between the backend call and Record can still duplicate an invoice
// when the backend itself ignores the key; backends that honor idempotency
// keys (Stripe) close that window.
type LedgerInvoiceGenerator struct {
	next   types.InvoiceGenerator
	ledger IdempotencyLedger
	group  singleflight.Group
	logger *slog.Logger
}

var _ types.InvoiceGenerator = (*LedgerInvoiceGenerator)(nil)

// NewLedgerInvoiceGenerator wraps next with ledger.
func NewLedgerInvoiceGenerator(next types.InvoiceGenerator, ledger IdempotencyLedger, logger *slog.Logger) *LedgerInvoiceGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerInvoiceGenerator{next: next, ledger: ledger, logger: logger}
}

// Generate implements types.InvoiceGenerator.
func (g *LedgerInvoiceGenerator) Generate(ctx context.Context, req types.InvoiceRequest, idempotencyKey string) (*types.Invoice, error) {
	ch := g.group.DoChan(idempotencyKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()

		existing, err := g.ledger.Lookup(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			g.logger.InfoContext(ctx, "invoice already generated for key",
				"idempotency_key", idempotencyKey,
				"invoice_id", existing.ID,
			)
			return existing, nil
		}

		inv, err := g.next.Generate(ctx, req, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if inv.IdempotencyKey == "" {
			inv.IdempotencyKey = idempotencyKey
		}
		if inv.CustomerID == "" {
			inv.CustomerID = req.CustomerID
		}
		return g.ledger.Record(ctx, inv)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Invoice), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
