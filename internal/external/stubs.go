package external

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"jewelerp/internal/types"
)

// Stub collaborators let the services boot with APP_ENV=local without vendor
// credentials. They log every call and return deterministic values.

// StubInvoiceGenerator derives the invoice ID from the idempotency key, so
// repeated calls with one key return the same invoice.
type StubInvoiceGenerator struct {
	logger *slog.Logger
}

// NewStubInvoiceGenerator creates a StubInvoiceGenerator.
func NewStubInvoiceGenerator(logger *slog.Logger) *StubInvoiceGenerator {
	return &StubInvoiceGenerator{logger: logger}
}

func (s *StubInvoiceGenerator) Generate(ctx context.Context, req types.InvoiceRequest, idempotencyKey string) (*types.Invoice, error) {
	sum := sha256.Sum256([]byte(idempotencyKey))
	id := "in_stub_" + hex.EncodeToString(sum[:6])
	s.logger.InfoContext(ctx, "stub: Generate called",
		"customer_id", req.CustomerID,
		"schedule_id", req.ScheduleID,
		"idempotency_key", idempotencyKey,
		"invoice_id", id,
	)
	return &types.Invoice{
		ID:             id,
		CustomerID:     req.CustomerID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// StubPDFRenderer returns a minimal PDF document naming the invoice.
type StubPDFRenderer struct {
	logger *slog.Logger
}

// NewStubPDFRenderer creates a StubPDFRenderer.
func NewStubPDFRenderer(logger *slog.Logger) *StubPDFRenderer {
	return &StubPDFRenderer{logger: logger}
}

func (s *StubPDFRenderer) Render(ctx context.Context, invoiceID string, _ types.BatchOptions) ([]byte, error) {
	s.logger.InfoContext(ctx, "stub: Render called", "invoice_id", invoiceID)
	return []byte(fmt.Sprintf("%%PDF-1.4\n%% stub invoice %s\n%%%%EOF\n", invoiceID)), nil
}

// StubDispatcher accepts every message.
type StubDispatcher struct {
	logger *slog.Logger
}

// NewStubDispatcher creates a StubDispatcher.
func NewStubDispatcher(logger *slog.Logger) *StubDispatcher {
	return &StubDispatcher{logger: logger}
}

func (s *StubDispatcher) Send(ctx context.Context, msg types.OutboundMessage) (*types.DispatchResult, error) {
	s.logger.InfoContext(ctx, "stub: Send called",
		"channel", msg.Channel,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
	)
	return &types.DispatchResult{
		ProviderMessageID: fmt.Sprintf("msg_stub_%d", time.Now().UnixNano()),
		Accepted:          true,
	}, nil
}
