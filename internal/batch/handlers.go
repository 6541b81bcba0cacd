package batch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"jewelerp/internal/types"
)

// Option keys understood by the built-in handlers.
const (
	OptionPayload  = "payload"
	OptionDueDate  = "due_date"
	OptionChannel  = "channel"
	OptionSubject  = "subject"
	OptionBody     = "body"
	OptionOrigin   = "resubmitted_from"
	OptionTemplate = "template"
)

// ItemHandler processes one work unit of a batch. Handlers must be safe to
// call again for an item that already succeeded in an earlier attempt.
type ItemHandler interface {
	Handle(ctx context.Context, b *types.BatchOperation, item string) error
}

// ItemHandlerFunc adapts a function to ItemHandler.
type ItemHandlerFunc func(ctx context.Context, b *types.BatchOperation, item string) error

// Handle calls f.
func (f ItemHandlerFunc) Handle(ctx context.Context, b *types.BatchOperation, item string) error {
	return f(ctx, b, item)
}

// OptionValidator is implemented by handlers that check a batch's options
// before it is accepted.
type OptionValidator interface {
	ValidateOptions(opts types.BatchOptions) error
}

// PDFArchive persists rendered PDFs.
type PDFArchive interface {
	Save(ctx context.Context, invoiceID string, pdf []byte) error
}

// ItemKey derives the idempotency key for one item of a batch. It is stable
// across attempts of the same batch.
func ItemKey(batchID, item string) string {
	sum := blake2b.Sum256([]byte("batch|" + batchID + "|" + item))
	return "bat_" + hex.EncodeToString(sum[:16])
}

// InvoiceHandler generates one invoice per customer ID item.
type InvoiceHandler struct {
	generator types.InvoiceGenerator
}

// NewInvoiceHandler creates an InvoiceHandler.
func NewInvoiceHandler(generator types.InvoiceGenerator) *InvoiceHandler {
	return &InvoiceHandler{generator: generator}
}

// ValidateOptions checks the optional payload and due date.
func (h *InvoiceHandler) ValidateOptions(opts types.BatchOptions) error {
	if s := opts.String(OptionDueDate); s != "" {
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidPayload, "due_date must be YYYY-MM-DD", err)
		}
	}
	if _, err := invoicePayload(opts); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "payload is not encodable", err)
	}
	return nil
}

// Handle implements ItemHandler.
func (h *InvoiceHandler) Handle(ctx context.Context, b *types.BatchOperation, item string) error {
	payload, err := invoicePayload(b.Options)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "payload is not encodable", err)
	}
	req := types.InvoiceRequest{CustomerID: item, Payload: payload}
	if s := b.Options.String(OptionDueDate); s != "" {
		if req.DueDate, err = time.Parse(time.DateOnly, s); err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidPayload, "due_date must be YYYY-MM-DD", err)
		}
	}

	if _, err := h.generator.Generate(ctx, req, ItemKey(b.ID, item)); err != nil {
		return fmt.Errorf("generating invoice for customer %s: %w", item, err)
	}
	return nil
}

func invoicePayload(opts types.BatchOptions) (json.RawMessage, error) {
	v, ok := opts[OptionPayload]
	if !ok || v == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(v)
}

// PDFHandler renders one invoice PDF per invoice ID item and archives it.
type PDFHandler struct {
	renderer types.PDFRenderer
	archive  PDFArchive
}

// NewPDFHandler creates a PDFHandler.
func NewPDFHandler(renderer types.PDFRenderer, archive PDFArchive) *PDFHandler {
	return &PDFHandler{renderer: renderer, archive: archive}
}

// Handle implements ItemHandler. Archive failures are returned unchanged so
// the coordinator treats them as infrastructure errors.
func (h *PDFHandler) Handle(ctx context.Context, b *types.BatchOperation, item string) error {
	pdf, err := h.renderer.Render(ctx, item, b.Options)
	if err != nil {
		return fmt.Errorf("rendering invoice %s: %w", item, err)
	}
	if len(pdf) == 0 {
		return types.NewAppError(types.ErrCodeUpstreamPDFRenderer, fmt.Sprintf("renderer returned an empty document for %s", item), nil)
	}
	return h.archive.Save(ctx, item, pdf)
}

// CommunicationHandler sends one message per recipient item over the
// channel named in the batch options.
type CommunicationHandler struct {
	dispatcher types.CommunicationDispatcher
}

// NewCommunicationHandler creates a CommunicationHandler.
func NewCommunicationHandler(dispatcher types.CommunicationDispatcher) *CommunicationHandler {
	return &CommunicationHandler{dispatcher: dispatcher}
}

// ValidateOptions requires a known channel and a body.
func (h *CommunicationHandler) ValidateOptions(opts types.BatchOptions) error {
	channel := types.ChannelType(opts.String(OptionChannel))
	if !channel.IsValid() {
		return types.NewAppError(types.ErrCodeValidationInvalidChannel, fmt.Sprintf("unknown channel %q", channel), nil)
	}
	if opts.String(OptionBody) == "" && opts.String(OptionTemplate) == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "options.body or options.template is required", nil)
	}
	return nil
}

// Handle implements ItemHandler.
func (h *CommunicationHandler) Handle(ctx context.Context, b *types.BatchOperation, item string) error {
	msg := types.OutboundMessage{
		Channel:   types.ChannelType(b.Options.String(OptionChannel)),
		Recipient: item,
		Subject:   b.Options.String(OptionSubject),
		Body:      b.Options.String(OptionBody),
		Metadata: map[string]string{
			"batch_id":        b.ID,
			"idempotency_key": ItemKey(b.ID, item),
		},
	}
	if tpl := b.Options.String(OptionTemplate); tpl != "" {
		msg.Metadata["template"] = tpl
	}

	res, err := h.dispatcher.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", item, err)
	}
	if res == nil || !res.Accepted {
		return types.NewAppError(types.ErrCodeUpstreamCommunication, fmt.Sprintf("dispatcher did not accept message for %s", item), nil)
	}
	return nil
}
