package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"jewelerp/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func findDatum(t *testing.T, data []cwtypes.MetricDatum, name string) cwtypes.MetricDatum {
	t.Helper()
	for _, d := range data {
		if *d.MetricName == name {
			return d
		}
	}
	t.Fatalf("metric %q not found", name)
	return cwtypes.MetricDatum{}
}

func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, value string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != value {
				t.Errorf("dimension %s: expected %q, got %q", name, value, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %s not found", name)
}

func TestCloudWatch_CycleFinished(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "JewelERP", nil)

	m.CycleFinished(context.Background(), types.CycleSummary{Fired: 3, Skipped: 1, Failed: 2}, 1500*time.Millisecond, nil)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != "JewelERP" {
		t.Errorf("expected namespace JewelERP, got %q", *input.Namespace)
	}
	if len(input.MetricData) != 4 {
		t.Fatalf("expected 4 metric data, got %d", len(input.MetricData))
	}
	if v := *findDatum(t, input.MetricData, MetricSchedulesFired).Value; v != 3 {
		t.Errorf("fired: expected 3, got %f", v)
	}
	if v := *findDatum(t, input.MetricData, MetricSchedulesFailed).Value; v != 2 {
		t.Errorf("failed: expected 2, got %f", v)
	}
	d := findDatum(t, input.MetricData, MetricCycleDuration)
	if *d.Value != 1500 || d.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("duration: got %f %s", *d.Value, d.Unit)
	}
}

func TestCloudWatch_CycleAborted(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "JewelERP", nil)

	m.CycleFinished(context.Background(), types.CycleSummary{}, time.Second, errors.New("db down"))

	findDatum(t, cw.calls[0].MetricData, MetricCycleAborted)
}

func TestCloudWatch_BatchFinished(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "JewelERP", nil)

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	m.BatchFinished(context.Background(), &types.BatchOperation{
		ID:          "b1",
		Kind:        types.BatchKindPDFGeneration,
		Status:      types.BatchStatusFailed,
		Attempt:     2,
		StartedAt:   &started,
		CompletedAt: &completed,
	})

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cw.calls))
	}
	data := cw.calls[0].MetricData

	finished := findDatum(t, data, MetricBatchFinished)
	assertDimension(t, finished.Dimensions, DimKind, string(types.BatchKindPDFGeneration))
	assertDimension(t, finished.Dimensions, DimStatus, string(types.BatchStatusFailed))

	if v := *findDatum(t, data, MetricBatchAttempts).Value; v != 3 {
		t.Errorf("attempts: expected 3, got %f", v)
	}
	if v := *findDatum(t, data, MetricBatchDuration).Value; v != 90000 {
		t.Errorf("duration: expected 90000ms, got %f", v)
	}
}

func TestCloudWatch_BatchNeverStarted(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatch(cw, "JewelERP", nil)

	m.BatchFinished(context.Background(), &types.BatchOperation{
		Kind:   types.BatchKindInvoiceGeneration,
		Status: types.BatchStatusFailed,
	})

	if got := len(cw.calls[0].MetricData); got != 2 {
		t.Errorf("expected no duration datum, got %d data", got)
	}
}

func TestCloudWatch_PublishErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	m := NewCloudWatch(cw, "JewelERP", nil)

	m.CycleFinished(context.Background(), types.CycleSummary{Fired: 1}, time.Second, nil)

	if len(cw.calls) != 1 {
		t.Fatalf("expected the call to be attempted, got %d", len(cw.calls))
	}
}
