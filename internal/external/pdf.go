package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"jewelerp/internal/types"
)

// maxPDFSize caps the response body read from the renderer.
const maxPDFSize = 32 << 20

// PDFConfig configures an HTTPPDFRenderer.
type PDFConfig struct {
	BaseURL   string
	UserAgent string
}

// HTTPPDFRenderer implements types.PDFRenderer by POSTing to a rendering
// service:
//
//	POST {BaseURL}/v1/render  {"invoice_id": "...", "options": {...}}
//	200 application/pdf
type HTTPPDFRenderer struct {
	base    *BaseClient
	baseURL string
}

var _ types.PDFRenderer = (*HTTPPDFRenderer)(nil)

// NewHTTPPDFRenderer creates a renderer client with its own circuit breaker.
func NewHTTPPDFRenderer(httpClient *http.Client, cfg PDFConfig, opts ...BaseClientOption) *HTTPPDFRenderer {
	return &HTTPPDFRenderer{
		base: NewBaseClient(
			httpClient,
			"pdf-renderer",
			types.ErrCodeUpstreamPDFRenderer,
			DefaultRetryPolicy(),
			cfg.UserAgent,
			opts...,
		),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

type renderRequest struct {
	InvoiceID string             `json:"invoice_id"`
	Options   types.BatchOptions `json:"options,omitempty"`
}

// Render returns the PDF bytes for invoiceID.
func (r *HTTPPDFRenderer) Render(ctx context.Context, invoiceID string, options types.BatchOptions) ([]byte, error) {
	body, err := json.Marshal(renderRequest{InvoiceID: invoiceID, Options: options})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "render options are not serializable", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build render request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundInvoice,
			"renderer does not know invoice "+invoiceID, nil, map[string]any{"invoice_id": invoiceID})
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("renderer rejected invoice %s: %s", invoiceID, strings.TrimSpace(string(msg))), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewAppError(types.ErrCodeUpstreamPDFRenderer,
			fmt.Sprintf("renderer returned %d for invoice %s", resp.StatusCode, invoiceID), nil)
	}

	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFSize+1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPDFRenderer, "failed to read rendered pdf", err)
	}
	if len(pdf) > maxPDFSize {
		return nil, types.NewAppError(types.ErrCodeUpstreamPDFRenderer,
			fmt.Sprintf("rendered pdf for %s exceeds %d bytes", invoiceID, maxPDFSize), nil)
	}
	return pdf, nil
}
