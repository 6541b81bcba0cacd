package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"jewelerp/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds the configuration for a StripeInvoiceGenerator.
type StripeConfig struct {
	SecretKey       string
	BaseURL         string // Override for testing; defaults to stripeAPIBase
	DefaultCurrency string
	DaysUntilDue    int64
	Logger          *slog.Logger
}

// StripeLine is one invoice item in a generation payload.
type StripeLine struct {
	Description string `json:"description"`
	UnitAmount  int64  `json:"unit_amount"`
	Quantity    int64  `json:"quantity"`
}

// StripePayload is the shape of InvoiceRequest.Payload understood by the
// Stripe generator. Amounts are provided by the caller and never computed
// here.
type StripePayload struct {
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Lines       []StripeLine      `json:"lines"`
	Metadata    map[string]string `json:"metadata"`
}

// StripeInvoiceGenerator implements types.InvoiceGenerator against the Stripe
// REST API through BaseClient. Each Stripe request carries an Idempotency-Key
// derived from the caller's key, so a retried generation replays Stripe's
// stored responses instead of creating a second invoice.
type StripeInvoiceGenerator struct {
	base         *BaseClient
	secretKey    string
	baseURL      string
	currency     string
	daysUntilDue int64
	logger       *slog.Logger
	now          func() time.Time
}

var _ types.InvoiceGenerator = (*StripeInvoiceGenerator)(nil)

// NewStripeInvoiceGenerator creates a StripeInvoiceGenerator. The http
// client's timeout should stay below the batch call timeout.
func NewStripeInvoiceGenerator(httpClient *http.Client, cfg StripeConfig, opts ...BaseClientOption) *StripeInvoiceGenerator {
	base := NewBaseClient(
		httpClient,
		"stripe",
		types.ErrCodeUpstreamInvoiceGenerator,
		DefaultRetryPolicy(),
		"jewelerp/1.0",
		opts...,
	)
	return newStripeInvoiceGenerator(base, cfg)
}

func newStripeInvoiceGenerator(base *BaseClient, cfg StripeConfig) *StripeInvoiceGenerator {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := strings.ToLower(cfg.DefaultCurrency)
	if currency == "" {
		currency = "usd"
	}
	days := cfg.DaysUntilDue
	if days <= 0 {
		days = 30
	}
	return &StripeInvoiceGenerator{
		base:         base,
		secretKey:    cfg.SecretKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		currency:     currency,
		daysUntilDue: days,
		logger:       logger,
		now:          time.Now,
	}
}

// Generate creates a draft invoice for req.CustomerID, attaches one invoice
// item per payload line, and finalizes it.
func (s *StripeInvoiceGenerator) Generate(ctx context.Context, req types.InvoiceRequest, idempotencyKey string) (*types.Invoice, error) {
	payload, err := s.parsePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if req.CustomerID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "customer_id is required", nil)
	}

	create := url.Values{}
	create.Set("customer", req.CustomerID)
	create.Set("currency", payload.Currency)
	create.Set("collection_method", "send_invoice")
	create.Set("auto_advance", "false")
	create.Set("pending_invoice_items_behavior", "exclude")
	if !req.DueDate.IsZero() {
		create.Set("due_date", strconv.FormatInt(req.DueDate.Unix(), 10))
	} else {
		create.Set("days_until_due", strconv.FormatInt(s.daysUntilDue, 10))
	}
	if payload.Description != "" {
		create.Set("description", payload.Description)
	}
	create.Set("metadata[idempotency_key]", idempotencyKey)
	if req.ScheduleID != "" {
		create.Set("metadata[schedule_id]", req.ScheduleID)
	}
	for k, v := range payload.Metadata {
		create.Set("metadata["+k+"]", v)
	}

	var draft stripeInvoice
	if err := s.post(ctx, "/v1/invoices", create, idempotencyKey+":invoice", &draft); err != nil {
		return nil, err
	}

	for i, line := range payload.Lines {
		item := url.Values{}
		item.Set("customer", req.CustomerID)
		item.Set("invoice", draft.ID)
		item.Set("currency", payload.Currency)
		item.Set("description", line.Description)
		item.Set("unit_amount", strconv.FormatInt(line.UnitAmount, 10))
		item.Set("quantity", strconv.FormatInt(line.Quantity, 10))
		if err := s.post(ctx, "/v1/invoiceitems", item, fmt.Sprintf("%s:item:%d", idempotencyKey, i), nil); err != nil {
			return nil, err
		}
	}

	var final stripeInvoice
	if err := s.post(ctx, "/v1/invoices/"+draft.ID+"/finalize", url.Values{}, idempotencyKey+":finalize", &final); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stripe invoice finalized",
		"invoice_id", final.ID,
		"customer_id", req.CustomerID,
		"schedule_id", req.ScheduleID,
		"lines", len(payload.Lines),
	)

	created := s.now().UTC()
	if final.Created > 0 {
		created = time.Unix(final.Created, 0).UTC()
	}
	return &types.Invoice{
		ID:             final.ID,
		Number:         final.Number,
		CustomerID:     req.CustomerID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      created,
	}, nil
}

func (s *StripeInvoiceGenerator) parsePayload(raw json.RawMessage) (*StripePayload, error) {
	var p StripePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invoice payload is not valid JSON", err)
		}
	}
	if len(p.Lines) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invoice payload has no lines", nil)
	}
	for i, l := range p.Lines {
		if l.Quantity <= 0 {
			p.Lines[i].Quantity = 1
		}
		if l.Description == "" {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
				"invoice line is missing a description", nil, map[string]any{"line": i})
		}
	}
	p.Currency = strings.ToLower(p.Currency)
	if p.Currency == "" {
		p.Currency = s.currency
	}
	return &p, nil
}

// post performs an authenticated form POST and decodes a 200 response into
// out when out is non-nil.
func (s *StripeInvoiceGenerator) post(ctx context.Context, path string, params url.Values, idemKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build stripe request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamInvoiceGenerator, "failed to decode stripe response for "+path, err)
	}
	return nil
}

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 Stripe response. Invalid requests are
// permanent (validation); an idempotency key reused with different
// parameters is a conflict; anything else is an upstream failure.
func (s *StripeInvoiceGenerator) handleErrorResponse(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var se stripeErrorResponse
	_ = json.Unmarshal(body, &se)

	details := map[string]any{
		"status":      resp.StatusCode,
		"stripe_type": se.Error.Type,
		"stripe_code": se.Error.Code,
		"param":       se.Error.Param,
	}
	msg := fmt.Sprintf("stripe %s returned %d: %s", path, resp.StatusCode, se.Error.Message)

	switch {
	case se.Error.Type == "idempotency_error" || resp.StatusCode == http.StatusConflict:
		return types.NewAppErrorWithDetails(types.ErrCodeConflictIdempotency, msg, nil, details)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload, msg, nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamInvoiceGenerator, msg, nil, details)
	}
}

type stripeInvoice struct {
	ID      string `json:"id"`
	Number  string `json:"number"`
	Status  string `json:"status"`
	Created int64  `json:"created"`
}
