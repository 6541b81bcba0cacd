package external

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewCollaborators_LocalReturnsStubs(t *testing.T) {
	cfg := &config.Config{Environment: "local"}

	c, err := NewCollaborators(cfg, RegistryDeps{}, testLogger())
	if err != nil {
		t.Fatalf("NewCollaborators returned error: %v", err)
	}
	if _, ok := c.Invoices.(*StubInvoiceGenerator); !ok {
		t.Errorf("Invoices is %T, want *StubInvoiceGenerator", c.Invoices)
	}
	if _, ok := c.PDFs.(*StubPDFRenderer); !ok {
		t.Errorf("PDFs is %T, want *StubPDFRenderer", c.PDFs)
	}
	if _, ok := c.Dispatcher.(*StubDispatcher); !ok {
		t.Errorf("Dispatcher is %T, want *StubDispatcher", c.Dispatcher)
	}
}

func TestNewCollaborators_ProductionClients(t *testing.T) {
	cfg := &config.Config{
		Environment: "prod",
		Stripe:      config.StripeConfig{SecretKey: "sk_live_x", DaysUntilDue: 30},
		PDF:         config.PDFConfig{RendererURL: "https://pdf.internal", Timeout: time.Minute},
		AWS:         config.AWSConfig{NotificationQueueURL: "https://sqs.us-east-1.amazonaws.com/1/notices"},
		Business:    config.BusinessConfig{Currency: "usd"},
	}

	c, err := NewCollaborators(cfg, RegistryDeps{SQS: &mockSQSSender{}, Ledger: newMemLedger()}, testLogger())
	if err != nil {
		t.Fatalf("NewCollaborators returned error: %v", err)
	}
	if _, ok := c.Invoices.(*LedgerInvoiceGenerator); !ok {
		t.Errorf("Invoices is %T, want ledger-wrapped generator", c.Invoices)
	}
	if _, ok := c.PDFs.(*HTTPPDFRenderer); !ok {
		t.Errorf("PDFs is %T, want *HTTPPDFRenderer", c.PDFs)
	}
	if _, ok := c.Dispatcher.(*SQSCommunicationDispatcher); !ok {
		t.Errorf("Dispatcher is %T, want *SQSCommunicationDispatcher", c.Dispatcher)
	}
}

func TestNewCollaborators_MissingCredentialsOutsideLocal(t *testing.T) {
	cfg := &config.Config{Environment: "staging"}

	_, err := NewCollaborators(cfg, RegistryDeps{}, testLogger())
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	for _, want := range []string{"STRIPE_SECRET_KEY", "PDF_RENDERER_URL", "SQS_NOTIFICATIONS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestStubInvoiceGenerator_DeterministicPerKey(t *testing.T) {
	g := NewStubInvoiceGenerator(testLogger())
	ctx := context.Background()

	a, _ := g.Generate(ctx, types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
	b, _ := g.Generate(ctx, types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
	c, _ := g.Generate(ctx, types.InvoiceRequest{CustomerID: "c1"}, "rec_2")

	if a.ID != b.ID {
		t.Errorf("same key produced %s and %s", a.ID, b.ID)
	}
	if a.ID == c.ID {
		t.Errorf("different keys produced the same id %s", a.ID)
	}
}

func TestStubPDFRenderer_ReturnsPDF(t *testing.T) {
	pdf, err := NewStubPDFRenderer(testLogger()).Render(context.Background(), "in_1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(pdf), "%PDF-") {
		t.Errorf("expected a PDF header, got %q", pdf[:8])
	}
}
