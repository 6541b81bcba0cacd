package external

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

// Collaborators holds the three collaborator implementations the services
// are wired with.
type Collaborators struct {
	Invoices   types.InvoiceGenerator
	PDFs       types.PDFRenderer
	Dispatcher types.CommunicationDispatcher
}

// RegistryDeps carries dependencies that cannot be built from config alone.
type RegistryDeps struct {
	// SQS is used by the communication dispatcher.
	SQS SQSSender
	// Ledger, when set, wraps the invoice generator with the idempotency
	// ledger.
	Ledger IdempotencyLedger
	// HTTPOptions are passed to every BaseClient (tests inject wait funcs).
	HTTPOptions []BaseClientOption
}

// NewCollaborators builds the collaborators from configuration. With
// APP_ENV=local any collaborator without credentials is replaced by its stub;
// in other environments missing credentials are an error.
func NewCollaborators(cfg *config.Config, deps RegistryDeps, logger *slog.Logger) (*Collaborators, error) {
	if logger == nil {
		logger = slog.Default()
	}
	local := cfg.Environment == "local"
	stubLogger := logger.With("mode", "stub")
	var errs []error

	c := &Collaborators{}

	switch key := cfg.Stripe.SecretKey.Unmask(); {
	case key != "":
		c.Invoices = NewStripeInvoiceGenerator(&http.Client{Timeout: 20 * time.Second}, StripeConfig{
			SecretKey:       key,
			DefaultCurrency: cfg.Business.Currency,
			DaysUntilDue:    cfg.Stripe.DaysUntilDue,
			Logger:          logger.With("client", "stripe"),
		}, deps.HTTPOptions...)
	case local:
		c.Invoices = NewStubInvoiceGenerator(stubLogger)
	default:
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.Invoices != nil && deps.Ledger != nil {
		c.Invoices = NewLedgerInvoiceGenerator(c.Invoices, deps.Ledger, logger.With("client", "ledger"))
	}

	switch {
	case cfg.PDF.RendererURL != "":
		c.PDFs = NewHTTPPDFRenderer(&http.Client{Timeout: cfg.PDF.Timeout}, PDFConfig{
			BaseURL:   cfg.PDF.RendererURL,
			UserAgent: cfg.PDF.UserAgent,
		}, deps.HTTPOptions...)
	case local:
		c.PDFs = NewStubPDFRenderer(stubLogger)
	default:
		errs = append(errs, errors.New("PDF_RENDERER_URL is required"))
	}

	switch {
	case cfg.AWS.NotificationQueueURL != "" && deps.SQS != nil:
		c.Dispatcher = NewSQSCommunicationDispatcher(deps.SQS, cfg.AWS.NotificationQueueURL, logger.With("client", "sqs-dispatcher"))
	case local:
		c.Dispatcher = NewStubDispatcher(stubLogger)
	default:
		errs = append(errs, errors.New("SQS_NOTIFICATIONS and an SQS client are required"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	logger.Info("collaborators initialized",
		"environment", cfg.Environment,
		"invoices", typeName(c.Invoices),
		"pdfs", typeName(c.PDFs),
		"dispatcher", typeName(c.Dispatcher),
	)
	return c, nil
}

func typeName(v any) string {
	switch v.(type) {
	case *StubInvoiceGenerator, *StubPDFRenderer, *StubDispatcher:
		return "stub"
	case *LedgerInvoiceGenerator:
		return "ledger"
	case *StripeInvoiceGenerator:
		return "stripe"
	case *HTTPPDFRenderer:
		return "http"
	case *SQSCommunicationDispatcher:
		return "sqs"
	}
	return "custom"
}
