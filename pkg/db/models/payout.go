package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
)

// Payout records the single settlement attempt for an order. The unique
// order_id index is the source of truth for "already paid out".
type Payout struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID       uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	SellerID      uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	ExternalID    *string             `gorm:"column:external_id"`
	PaymentMethod enums.PaymentMethod `gorm:"column:payment_method;not null"`
	GrossCents    int64               `gorm:"column:gross_cents;not null"`
	FeeCents      int64               `gorm:"column:fee_cents;not null"`
	MarginCents   int64               `gorm:"column:margin_cents;not null"`
	AmountCents   int64               `gorm:"column:amount_cents;not null"`
	PayeeKey      string              `gorm:"column:payee_key;not null"`
	Status        enums.PayoutStatus  `gorm:"column:status;not null"`
	TransferID    *string             `gorm:"column:transfer_id"`
	FailureReason *string             `gorm:"column:failure_reason"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payout) TableName() string { return "payouts" }
