package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"jewelerp/internal/types"
)

// maxSQSDelay is the largest DelaySeconds SQS accepts.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue publishes task messages to one SQS queue. Delays are carried by
// DelaySeconds, so a retry survives the worker that scheduled it.
type SQSQueue struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSQueue creates an SQSQueue for queueURL.
func NewSQSQueue(client SQSSender, queueURL string, logger *slog.Logger) *SQSQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSQueue{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue serializes msg and sends it with the given delay. Delays beyond
// the SQS maximum of 15 minutes are clamped.
func (q *SQSQueue) Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal task message: %w", err)
	}

	if delay > maxSQSDelay {
		q.logger.WarnContext(ctx, "task delay exceeds SQS maximum, clamping",
			"task", msg.Task,
			"requested_delay", delay.String(),
		)
		delay = maxSQSDelay
	}
	if delay < 0 {
		delay = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"task": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Task)),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send %s to %s: %w", msg.Task, q.queueURL, err)
	}

	q.logger.InfoContext(ctx, "task message sent",
		"task", msg.Task,
		"trace_id", msg.TraceID,
		"batch_id", msg.BatchID,
		"attempt", msg.Attempt,
		"delay_seconds", input.DelaySeconds,
	)
	return nil
}

// DecodeMessage parses an SQS message body into a TaskMessage.
func DecodeMessage(body string) (types.TaskMessage, error) {
	var msg types.TaskMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("queue: malformed task message: %w", err)
	}
	if msg.Task == "" {
		return msg, fmt.Errorf("queue: task message has no task name")
	}
	return msg, nil
}
