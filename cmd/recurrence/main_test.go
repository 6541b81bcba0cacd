package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jewelerp/internal/memstore"
	"jewelerp/internal/types"
)

type routeRecorder struct {
	msgs []types.TaskMessage
	err  error
}

func (r *routeRecorder) handle(_ context.Context, msg types.TaskMessage) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func newHandler(route *routeRecorder, locker *memstore.Locker) *Handler {
	return &Handler{
		Route:    route.handle,
		Locker:   locker,
		WorkerID: "worker-a",
		LockTTL: map[types.TaskName]time.Duration{
			types.TaskRunCycle:    time.Minute,
			types.TaskReapBatches: time.Minute,
		},
	}
}

func TestHandle_DefaultsToRunCycle(t *testing.T) {
	route := &routeRecorder{}
	h := newHandler(route, memstore.NewLocker())

	out, err := h.Handle(context.Background(), Payload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(route.msgs) != 1 || route.msgs[0].Task != types.TaskRunCycle {
		t.Fatalf("expected one run_cycle message, got %+v", route.msgs)
	}
	if route.msgs[0].TraceID == "" {
		t.Error("trace id not assigned")
	}
	if !strings.Contains(out, "complete") {
		t.Errorf("unexpected result %q", out)
	}
}

func TestHandle_ReferenceDate(t *testing.T) {
	route := &routeRecorder{}
	h := newHandler(route, memstore.NewLocker())

	if _, err := h.Handle(context.Background(), Payload{ReferenceDate: "2026-02-28"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := route.msgs[0].ReferenceDate
	if got == nil || !got.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("reference date = %v", got)
	}

	if _, err := h.Handle(context.Background(), Payload{ReferenceDate: "28/02/2026"}); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestHandle_SkipsWhenLeaseHeld(t *testing.T) {
	route := &routeRecorder{}
	locker := memstore.NewLocker()
	if ok, _ := locker.Acquire(context.Background(), string(types.TaskRunCycle), "worker-b", time.Minute); !ok {
		t.Fatal("setup: could not take lease")
	}
	h := newHandler(route, locker)

	out, err := h.Handle(context.Background(), Payload{Task: types.TaskRunCycle})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "skipped") {
		t.Errorf("expected skip, got %q", out)
	}
	if len(route.msgs) != 0 {
		t.Error("router must not run while another worker holds the lease")
	}
}

func TestHandle_ReleasesLeaseAfterRun(t *testing.T) {
	route := &routeRecorder{}
	locker := memstore.NewLocker()
	h := newHandler(route, locker)

	for i := 0; i < 2; i++ {
		if _, err := h.Handle(context.Background(), Payload{Task: types.TaskReapBatches}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(route.msgs) != 2 {
		t.Fatalf("expected both runs to execute, got %d", len(route.msgs))
	}
}

func TestHandle_Errors(t *testing.T) {
	route := &routeRecorder{err: errors.New("db down")}
	h := newHandler(route, memstore.NewLocker())

	if _, err := h.Handle(context.Background(), Payload{}); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected router error, got %v", err)
	}
	if _, err := h.Handle(context.Background(), Payload{Task: types.TaskExecuteBatch}); err == nil {
		t.Fatal("expected unsupported task error")
	}
}
