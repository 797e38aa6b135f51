package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

// Event is a single lifecycle notification.
type Event struct {
	ID         uuid.UUID               `json:"id"`
	Type       enums.NotificationEvent `json:"type"`
	OrderID    uuid.UUID               `json:"orderId"`
	OccurredAt time.Time               `json:"occurredAt"`
	Data       map[string]any          `json:"data,omitempty"`
}

// Sink delivers events to whatever transport is configured.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// Notifier is fire-and-forget: delivery failures are logged and never
// returned, so state transitions that already committed are unaffected.
type Notifier struct {
	sink   Sink
	logger *logger.Logger
	now    func() time.Time
}

func NewNotifier(sink Sink, logg *logger.Logger) *Notifier {
	return &Notifier{sink: sink, logger: logg, now: time.Now}
}

// Notify sends a lifecycle event for orderID.
func (n *Notifier) Notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any) {
	if n == nil || n.sink == nil {
		return
	}
	evt := Event{
		ID:         uuid.New(),
		Type:       event,
		OrderID:    orderID,
		OccurredAt: n.now().UTC(),
		Data:       fields,
	}
	if err := n.sink.Send(ctx, evt); err != nil && n.logger != nil {
		logCtx := n.logger.WithFields(ctx, map[string]any{
			"event":    event.String(),
			"order_id": orderID.String(),
		})
		n.logger.Error(logCtx, "notification delivery failed", err)
	}
}

// LogSink writes events to the structured log. It is the fallback when no
// Pub/Sub topic is configured.
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(logg *logger.Logger) *LogSink {
	return &LogSink{logger: logg}
}

func (s *LogSink) Send(ctx context.Context, event Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	fields := map[string]any{
		"notification_id": event.ID.String(),
		"event":           event.Type.String(),
		"order_id":        event.OrderID.String(),
	}
	for k, v := range event.Data {
		fields["data."+k] = v
	}
	s.logger.Info(s.logger.WithFields(ctx, fields), "notification")
	return nil
}
