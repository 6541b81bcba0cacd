package types

import "context"

// InvoiceGenerator creates an invoice from an opaque payload. Implementations
// must honor idempotencyKey: the same key yields the same invoice and no
// duplicate side effects.
type InvoiceGenerator interface {
	Generate(ctx context.Context, req InvoiceRequest, idempotencyKey string) (*Invoice, error)
}

// PDFRenderer renders a stored invoice to PDF bytes.
type PDFRenderer interface {
	Render(ctx context.Context, invoiceID string, options BatchOptions) ([]byte, error)
}

// CommunicationDispatcher hands a message to a delivery channel.
type CommunicationDispatcher interface {
	Send(ctx context.Context, msg OutboundMessage) (*DispatchResult, error)
}
