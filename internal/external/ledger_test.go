package external

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jewelerp/internal/types"
)

type memLedger struct {
	mu        sync.Mutex
	rows      map[string]types.Invoice
	lookupErr error
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]types.Invoice)}
}

func (l *memLedger) Lookup(_ context.Context, key string) (*types.Invoice, error) {
	if l.lookupErr != nil {
		return nil, l.lookupErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if inv, ok := l.rows[key]; ok {
		return &inv, nil
	}
	return nil, nil
}

func (l *memLedger) Record(_ context.Context, inv *types.Invoice) (*types.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.rows[inv.IdempotencyKey]; ok {
		return &existing, nil
	}
	l.rows[inv.IdempotencyKey] = *inv
	return inv, nil
}

type countingGenerator struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (g *countingGenerator) Generate(_ context.Context, req types.InvoiceRequest, key string) (*types.Invoice, error) {
	n := g.calls.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	if g.err != nil {
		return nil, g.err
	}
	return &types.Invoice{ID: "in_" + string(rune('0'+n)), CustomerID: req.CustomerID}, nil
}

func TestLedgerGenerator_ReturnsRecordedInvoice(t *testing.T) {
	backend := &countingGenerator{}
	ledger := newMemLedger()
	g := NewLedgerInvoiceGenerator(backend, ledger, nil)
	ctx := context.Background()

	first, err := g.Generate(ctx, types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := g.Generate(ctx, types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected the recorded invoice, got %s then %s", first.ID, second.ID)
	}
	if backend.calls.Load() != 1 {
		t.Errorf("backend called %d times, want 1", backend.calls.Load())
	}
	if first.IdempotencyKey != "rec_1" {
		t.Errorf("key not stamped on invoice: %+v", first)
	}
}

func TestLedgerGenerator_ConcurrentCallsCollapse(t *testing.T) {
	backend := &countingGenerator{gate: make(chan struct{})}
	g := NewLedgerInvoiceGenerator(backend, newMemLedger(), nil)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := g.Generate(context.Background(), types.InvoiceRequest{CustomerID: "c1"}, "rec_same")
			if err == nil {
				ids[i] = inv.ID
			}
		}()
	}
	// Let the first caller reach the backend before releasing it.
	for backend.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(backend.gate)
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] || id == "" {
			t.Fatalf("callers saw different invoices: %v", ids)
		}
	}
}

func TestLedgerGenerator_BackendErrorNotRecorded(t *testing.T) {
	backend := &countingGenerator{err: types.NewAppError(types.ErrCodeUpstreamInvoiceGenerator, "down", nil)}
	ledger := newMemLedger()
	g := NewLedgerInvoiceGenerator(backend, ledger, nil)

	_, err := g.Generate(context.Background(), types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
	if types.CodeOf(err) != types.ErrCodeUpstreamInvoiceGenerator {
		t.Fatalf("expected backend error, got %v", err)
	}
	if len(ledger.rows) != 0 {
		t.Errorf("failed generation must not be recorded")
	}
}

func TestLedgerGenerator_LookupErrorAborts(t *testing.T) {
	backend := &countingGenerator{}
	ledger := newMemLedger()
	ledger.lookupErr = types.NewAppError(types.ErrCodeInternalDB, "conn reset", errors.New("eof"))
	g := NewLedgerInvoiceGenerator(backend, ledger, nil)

	_, err := g.Generate(context.Background(), types.InvoiceRequest{}, "rec_1")
	if !types.IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if backend.calls.Load() != 0 {
		t.Errorf("backend must not be called when the ledger is unavailable")
	}
}

// blockingGenerator waits for release or for its context to end.
type blockingGenerator struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req types.InvoiceRequest, _ string) (*types.Invoice, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
		return &types.Invoice{ID: "in_shared", CustomerID: req.CustomerID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLedgerGenerator_CancelledCallerDoesNotFailSharers(t *testing.T) {
	backend := &blockingGenerator{release: make(chan struct{})}
	ledger := newMemLedger()
	g := NewLedgerInvoiceGenerator(backend, ledger, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Generate(firstCtx, types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
		firstErr <- err
	}()
	for backend.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		inv *types.Invoice
		err error
	}
	second := make(chan result, 1)
	go func() {
		inv, err := g.Generate(context.Background(), types.InvoiceRequest{CustomerID: "c1"}, "rec_1")
		second <- result{inv, err}
	}()
	// Give the second caller time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first caller: expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first caller did not return after cancellation")
	}

	close(backend.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("second caller failed: %v", res.err)
	}
	if res.inv.ID != "in_shared" {
		t.Errorf("unexpected invoice %+v", res.inv)
	}
	if backend.calls.Load() != 1 {
		t.Errorf("backend called %d times, want 1", backend.calls.Load())
	}
	if _, ok := ledger.rows["rec_1"]; !ok {
		t.Error("shared result must be recorded")
	}
}
