package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
)

// WebhookEvent is the append-only audit row written for every inbound notification.
type WebhookEvent struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Provider       enums.PaymentMethod `gorm:"column:provider;not null"`
	CorrelationKey *string             `gorm:"column:correlation_key"`
	OrderID        *uuid.UUID          `gorm:"column:order_id;type:uuid"`
	Status         string              `gorm:"column:status;not null"`
	RawBody        string              `gorm:"column:raw_body;type:text;not null"`
	ReceivedAt     time.Time           `gorm:"column:received_at;not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
