package external

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"jewelerp/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSCommunicationDispatcher implements types.CommunicationDispatcher by
// handing rendered messages to the channel gateway's SQS queue. Delivery to
// WhatsApp, SMS or e-mail happens behind that queue; acceptance here means
// the gateway owns the message.
type SQSCommunicationDispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ types.CommunicationDispatcher = (*SQSCommunicationDispatcher)(nil)

// NewSQSCommunicationDispatcher creates a dispatcher publishing to queueURL.
func NewSQSCommunicationDispatcher(client SQSSender, queueURL string, logger *slog.Logger) *SQSCommunicationDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSCommunicationDispatcher{client: client, queueURL: queueURL, logger: logger}
}

// Send implements types.CommunicationDispatcher.
func (d *SQSCommunicationDispatcher) Send(ctx context.Context, msg types.OutboundMessage) (*types.DispatchResult, error) {
	if !msg.Channel.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidChannel, "unknown channel "+string(msg.Channel), nil)
	}
	if msg.Recipient == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "recipient is required", nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "message is not serializable", err)
	}

	attrs := map[string]sqsTypes.MessageAttributeValue{
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(msg.Channel)),
		},
	}
	if traceID := types.GetRequestID(ctx); traceID != "" {
		attrs["trace_id"] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(traceID),
		}
	}

	out, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCommunication, "failed to hand message to channel gateway", err)
	}

	id := aws.ToString(out.MessageId)
	d.logger.InfoContext(ctx, "communication dispatched",
		"channel", msg.Channel,
		"provider_message_id", id,
	)
	return &types.DispatchResult{ProviderMessageID: id, Accepted: true}, nil
}
