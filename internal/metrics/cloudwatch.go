// Package metrics publishes recurrence-cycle and batch outcome metrics to
// CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"jewelerp/internal/types"
)

// Metric names and dimensions.
const (
	MetricSchedulesFired   = "SchedulesFired"
	MetricSchedulesSkipped = "SchedulesSkipped"
	MetricSchedulesFailed  = "SchedulesFailed"
	MetricCycleDuration    = "CycleDuration"
	MetricCycleAborted     = "CycleAborted"
	MetricBatchFinished    = "BatchFinished"
	MetricBatchAttempts    = "BatchAttempts"
	MetricBatchDuration    = "BatchDuration"

	DimKind   = "Kind"
	DimStatus = "Status"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch emits cycle summaries and batch terminal outcomes. Publishing
// failures are logged and never surface to the caller.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time
}

// NewCloudWatch creates a CloudWatch recorder publishing under namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// CycleFinished records the fired/skipped/failed counts of one cycle and its
// duration. An aborted cycle additionally emits CycleAborted.
func (m *CloudWatch) CycleFinished(ctx context.Context, summary types.CycleSummary, elapsed time.Duration, cycleErr error) {
	data := []cwtypes.MetricDatum{
		count(MetricSchedulesFired, summary.Fired),
		count(MetricSchedulesSkipped, summary.Skipped),
		count(MetricSchedulesFailed, summary.Failed),
		{
			MetricName: aws.String(MetricCycleDuration),
			Value:      aws.Float64(float64(elapsed.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	}
	if cycleErr != nil {
		data = append(data, count(MetricCycleAborted, 1))
	}

	m.put(ctx, data, "cycle")
}

// BatchFinished records a batch reaching completed or failed.
func (m *CloudWatch) BatchFinished(ctx context.Context, b *types.BatchOperation) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimKind), Value: aws.String(string(b.Kind))},
		{Name: aws.String(DimStatus), Value: aws.String(string(b.Status))},
	}
	finished := count(MetricBatchFinished, 1)
	finished.Dimensions = dims

	// Attempt is 0-based; the number of dispatches is one more.
	attempts := count(MetricBatchAttempts, b.Attempt+1)
	attempts.Dimensions = dims[:1]

	data := []cwtypes.MetricDatum{finished, attempts}
	if b.StartedAt != nil {
		end := m.now()
		if b.CompletedAt != nil {
			end = *b.CompletedAt
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricBatchDuration),
			Value:      aws.Float64(float64(end.Sub(*b.StartedAt).Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		})
	}

	m.put(ctx, data, "batch")
}

func (m *CloudWatch) put(ctx context.Context, data []cwtypes.MetricDatum, source string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metrics",
			"source", source,
			"error", err.Error(),
		)
	}
}

func count(name string, n int) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
	}
}

// Nop discards every metric. It is used when ENABLE_METRICS is false.
type Nop struct{}

// CycleFinished implements the cycle recorder.
func (Nop) CycleFinished(context.Context, types.CycleSummary, time.Duration, error) {}

// BatchFinished implements batch.Recorder.
func (Nop) BatchFinished(context.Context, *types.BatchOperation) {}
