package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
)

// Order is the reservation record: it holds inventory while WAITING and
// carries the provider correlation key used by webhooks.
type Order struct {
	ID               uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SellerID         uuid.UUID           `gorm:"column:seller_id;type:uuid;not null"`
	CustomerEmail    string              `gorm:"column:customer_email;not null"`
	Status           enums.OrderStatus   `gorm:"column:status;not null"`
	PaymentMethod    enums.PaymentMethod `gorm:"column:payment_method;not null"`
	ChargeID         *string             `gorm:"column:charge_id"`
	TxID             *string             `gorm:"column:txid"`
	ProviderQRCode   *string             `gorm:"column:provider_qr_code"`
	Installments     int                 `gorm:"column:installments;not null;default:1"`
	SubtotalCents    int64               `gorm:"column:subtotal_cents;not null"`
	DiscountCents    int64               `gorm:"column:discount_cents;not null;default:0"`
	TotalCents       int64               `gorm:"column:total_cents;not null"`
	CouponCode       *string             `gorm:"column:coupon_code"`
	ReserveExpiresAt *time.Time          `gorm:"column:reserve_expires_at"`
	PaidAt           *time.Time          `gorm:"column:paid_at"`
	ExpiredAt        *time.Time          `gorm:"column:expired_at"`
	CanceledAt       *time.Time          `gorm:"column:canceled_at"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time           `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:ID"`
}

func (Order) TableName() string { return "orders" }

// CorrelationKey returns the provider key for the order's payment method.
func (o Order) CorrelationKey() string {
	var key *string
	switch o.PaymentMethod {
	case enums.PaymentMethodCard:
		key = o.ChargeID
	case enums.PaymentMethodPix:
		key = o.TxID
	}
	if key == nil {
		return ""
	}
	return *key
}
