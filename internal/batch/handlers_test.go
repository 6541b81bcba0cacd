package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

type stubGenerator struct {
	reqs []types.InvoiceRequest
	keys []string
	err  error
}

func (g *stubGenerator) Generate(_ context.Context, req types.InvoiceRequest, key string) (*types.Invoice, error) {
	g.reqs = append(g.reqs, req)
	g.keys = append(g.keys, key)
	if g.err != nil {
		return nil, g.err
	}
	return &types.Invoice{ID: "in_" + req.CustomerID, CustomerID: req.CustomerID, IdempotencyKey: key}, nil
}

type stubRenderer struct {
	pdf []byte
	err error
}

func (r stubRenderer) Render(context.Context, string, types.BatchOptions) ([]byte, error) {
	return r.pdf, r.err
}

type memArchive struct {
	saved map[string][]byte
	err   error
}

func (a *memArchive) Save(_ context.Context, id string, pdf []byte) error {
	if a.err != nil {
		return a.err
	}
	if a.saved == nil {
		a.saved = map[string][]byte{}
	}
	a.saved[id] = pdf
	return nil
}

type stubDispatcher struct {
	sent []types.OutboundMessage
	res  *types.DispatchResult
	err  error
}

func (d *stubDispatcher) Send(_ context.Context, msg types.OutboundMessage) (*types.DispatchResult, error) {
	d.sent = append(d.sent, msg)
	return d.res, d.err
}

func TestItemKey_StablePerBatchAndItem(t *testing.T) {
	assert.Equal(t, ItemKey("bat_1", "cus_1"), ItemKey("bat_1", "cus_1"))
	assert.NotEqual(t, ItemKey("bat_1", "cus_1"), ItemKey("bat_1", "cus_2"))
	assert.NotEqual(t, ItemKey("bat_1", "cus_1"), ItemKey("bat_2", "cus_1"))
}

func TestInvoiceHandler(t *testing.T) {
	gen := &stubGenerator{}
	h := NewInvoiceHandler(gen)
	b := &types.BatchOperation{
		ID: "bat_1",
		Options: types.BatchOptions{
			OptionPayload: map[string]any{"lines": []any{map[string]any{"sku": "NECK-7"}}},
			OptionDueDate: "2024-03-15",
		},
	}

	require.NoError(t, h.Handle(context.Background(), b, "cus_9"))
	require.NoError(t, h.Handle(context.Background(), b, "cus_9"))

	require.Len(t, gen.reqs, 2)
	assert.Equal(t, "cus_9", gen.reqs[0].CustomerID)
	assert.JSONEq(t, `{"lines":[{"sku":"NECK-7"}]}`, string(gen.reqs[0].Payload))
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), gen.reqs[0].DueDate)
	assert.Equal(t, gen.keys[0], gen.keys[1], "retries reuse the idempotency key")

	gen.err = types.NewAppError(types.ErrCodeUpstreamInvoiceGenerator, "stripe 500", nil)
	err := h.Handle(context.Background(), b, "cus_9")
	assert.Equal(t, types.ErrCodeUpstreamInvoiceGenerator, types.CodeOf(err))
}

func TestInvoiceHandler_DefaultPayload(t *testing.T) {
	gen := &stubGenerator{}
	require.NoError(t, NewInvoiceHandler(gen).Handle(context.Background(), &types.BatchOperation{ID: "bat_1"}, "cus_1"))
	assert.Equal(t, json.RawMessage("{}"), gen.reqs[0].Payload)
	assert.True(t, gen.reqs[0].DueDate.IsZero())
}

func TestInvoiceHandler_ValidateOptions(t *testing.T) {
	h := NewInvoiceHandler(&stubGenerator{})
	assert.NoError(t, h.ValidateOptions(types.BatchOptions{}))
	assert.True(t, types.IsValidation(h.ValidateOptions(types.BatchOptions{OptionDueDate: "15/03/2024"})))
}

func TestPDFHandler(t *testing.T) {
	archive := &memArchive{}
	h := NewPDFHandler(stubRenderer{pdf: []byte("%PDF-1.7")}, archive)
	require.NoError(t, h.Handle(context.Background(), &types.BatchOperation{ID: "bat_1"}, "inv_1"))
	assert.Equal(t, []byte("%PDF-1.7"), archive.saved["inv_1"])

	empty := NewPDFHandler(stubRenderer{}, archive)
	assert.Equal(t, types.ErrCodeUpstreamPDFRenderer, types.CodeOf(empty.Handle(context.Background(), &types.BatchOperation{}, "inv_2")))

	failing := NewPDFHandler(stubRenderer{err: errors.New("503")}, archive)
	assert.ErrorContains(t, failing.Handle(context.Background(), &types.BatchOperation{}, "inv_3"), "rendering invoice inv_3")

	archive.err = types.NewAppError(types.ErrCodeInternalDB, "disk full", nil)
	err := h.Handle(context.Background(), &types.BatchOperation{}, "inv_4")
	assert.True(t, types.IsInfrastructure(err))
}

func TestCommunicationHandler(t *testing.T) {
	d := &stubDispatcher{res: &types.DispatchResult{Accepted: true, ProviderMessageID: "m_1"}}
	h := NewCommunicationHandler(d)
	b := &types.BatchOperation{ID: "bat_7", Options: types.BatchOptions{
		OptionChannel: "whatsapp",
		OptionSubject: "New collection",
		OptionBody:    "Our spring rings are in.",
	}}

	require.NoError(t, h.Handle(context.Background(), b, "+5215550100"))
	require.Len(t, d.sent, 1)
	msg := d.sent[0]
	assert.Equal(t, types.ChannelWhatsApp, msg.Channel)
	assert.Equal(t, "+5215550100", msg.Recipient)
	assert.Equal(t, "bat_7", msg.Metadata["batch_id"])
	assert.Equal(t, ItemKey("bat_7", "+5215550100"), msg.Metadata["idempotency_key"])

	d.res = &types.DispatchResult{Accepted: false}
	assert.Equal(t, types.ErrCodeUpstreamCommunication, types.CodeOf(h.Handle(context.Background(), b, "+5215550101")))
}

func TestCommunicationHandler_ValidateOptions(t *testing.T) {
	h := NewCommunicationHandler(&stubDispatcher{})
	tests := []struct {
		name string
		opts types.BatchOptions
		code types.ErrorCode
	}{
		{"valid", types.BatchOptions{OptionChannel: "email", OptionBody: "hi"}, ""},
		{"template only", types.BatchOptions{OptionChannel: "sms", OptionTemplate: "reminder"}, ""},
		{"unknown channel", types.BatchOptions{OptionChannel: "fax", OptionBody: "hi"}, types.ErrCodeValidationInvalidChannel},
		{"missing body", types.BatchOptions{OptionChannel: "email"}, types.ErrCodeValidationMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, types.CodeOf(h.ValidateOptions(tt.opts)))
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(config.BatchConfig{
		RetryDelays: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		MaxAttempts: 3,
		Deadline:    2 * time.Hour,
	})

	assert.Equal(t, 30*time.Second, p.Delay(0))
	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 120*time.Second, p.Delay(2))
	assert.Equal(t, 120*time.Second, p.Delay(7))

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))

	start := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	assert.False(t, p.Expired(&start, start.Add(2*time.Hour)))
	assert.True(t, p.Expired(&start, start.Add(2*time.Hour+time.Second)))
	assert.False(t, p.Expired(nil, start.Add(10*time.Hour)))

	assert.Equal(t, 50, p.ChunkSize, "zero config values fall back to defaults")
	assert.Equal(t, 5*time.Minute, p.CallTimeout)
}
