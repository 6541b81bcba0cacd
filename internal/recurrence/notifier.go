package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jewelerp/internal/config"
	"jewelerp/internal/types"
)

// Enqueuer is the slice of the task queue the notifier needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error
}

// QueueNotifier turns a generated invoice into a communication.send task on
// the task queue. Delivery happens later in the batch worker.
type QueueNotifier struct {
	queue    Enqueuer
	business config.BusinessConfig
	now      func() time.Time
}

// NewQueueNotifier creates a QueueNotifier.
func NewQueueNotifier(queue Enqueuer, business config.BusinessConfig) *QueueNotifier {
	return &QueueNotifier{queue: queue, business: business, now: time.Now}
}

// InvoiceGenerated enqueues the notice for s's configured channel.
func (n *QueueNotifier) InvoiceGenerated(ctx context.Context, s types.RecurringSchedule, inv *types.Invoice) error {
	if s.Notify == nil {
		return nil
	}

	ref := inv.Number
	if ref == "" {
		ref = inv.ID
	}
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	msg := types.TaskMessage{
		Task:    types.TaskSendNotification,
		TraceID: traceID,
		Message: &types.OutboundMessage{
			Channel:   s.Notify.Type,
			Recipient: s.Notify.Recipient,
			Subject:   fmt.Sprintf("%s: invoice %s", n.business.Name, ref),
			Body: fmt.Sprintf("%s has issued invoice %s for the period starting %s.",
				n.business.Name, ref, DateOf(s.NextFireDate).Format(time.DateOnly)),
			Metadata: map[string]string{
				"schedule_id": s.ID,
				"invoice_id":  inv.ID,
				"customer_id": s.CustomerID,
			},
		},
		EnqueuedAt: n.now().UTC(),
	}
	if err := n.queue.Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("enqueueing invoice notice: %w", err)
	}
	return nil
}
