package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/internal/inventory"
	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type stockLedger interface {
	Books(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]models.Book, error)
	ReserveAll(ctx context.Context, tx *gorm.DB, lines []inventory.Line) error
	ReleaseAll(ctx context.Context, tx *gorm.DB, lines []inventory.Line) (int, error)
}

type chargeCreator interface {
	Supports(method enums.PaymentMethod) bool
	CreateCharge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error)
}

// Service reserves stock, opens the reservation and creates the provider charge.
type Service interface {
	Execute(ctx context.Context, input Input) (*Result, error)
}

// Input is a validated checkout request.
type Input struct {
	Method        enums.PaymentMethod
	CustomerEmail string
	Items         []ItemInput
	Installments  int
	CardSourceID  string
	CouponCode    string
}

type ItemInput struct {
	BookID   uuid.UUID
	Quantity int
}

// Result is returned to the buyer after a successful checkout.
type Result struct {
	OrderID          uuid.UUID           `json:"orderId"`
	Status           enums.OrderStatus   `json:"status"`
	PaymentMethod    enums.PaymentMethod `json:"paymentMethod"`
	CorrelationKey   string              `json:"correlationKey"`
	QRCode           string              `json:"qrCode,omitempty"`
	TotalCents       int64               `json:"totalCents"`
	Installments     int                 `json:"installments"`
	ReserveExpiresAt time.Time           `json:"reserveExpiresAt"`
}

// Params configures the checkout service.
type Params struct {
	Tx              txRunner
	Ledger          stockLedger
	Orders          reservations.Repository
	Gateway         chargeCreator
	ReservationTTL  time.Duration
	MaxInstallments int
	Logger          *logger.Logger
}

type service struct {
	tx              txRunner
	ledger          stockLedger
	orders          reservations.Repository
	gateway         chargeCreator
	ttl             time.Duration
	maxInstallments int
	logg            *logger.Logger
	now             func() time.Time
}

// NewService builds the checkout service.
func NewService(p Params) (Service, error) {
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Ledger == nil {
		return nil, fmt.Errorf("inventory ledger required")
	}
	if p.Orders == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if p.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if p.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation ttl must be positive")
	}
	if p.MaxInstallments < 1 {
		p.MaxInstallments = 1
	}
	return &service{
		tx:              p.Tx,
		ledger:          p.Ledger,
		orders:          p.Orders,
		gateway:         p.Gateway,
		ttl:             p.ReservationTTL,
		maxInstallments: p.MaxInstallments,
		logg:            p.Logger,
		now:             time.Now,
	}, nil
}

func (s *service) Execute(ctx context.Context, input Input) (*Result, error) {
	if err := s.validate(&input); err != nil {
		return nil, err
	}

	order := &models.Order{
		CustomerEmail: strings.TrimSpace(input.CustomerEmail),
		PaymentMethod: input.Method,
		Installments:  input.Installments,
	}
	if code := strings.TrimSpace(input.CouponCode); code != "" {
		order.CouponCode = &code
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.priceOrder(ctx, tx, order, input.Items); err != nil {
			return err
		}
		if err := s.ledger.ReserveAll(ctx, tx, inventory.LinesFor(order.Items)); err != nil {
			return err
		}
		return s.orders.WithTx(tx).Create(ctx, order, s.ttl, s.now())
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withOrder(ctx, order.ID)
	charge, err := s.gateway.CreateCharge(ctx, payments.ChargeRequest{
		OrderID:       order.ID,
		Method:        order.PaymentMethod,
		AmountCents:   order.TotalCents,
		Installments:  order.Installments,
		CustomerEmail: order.CustomerEmail,
		SourceID:      input.CardSourceID,
		Description:   fmt.Sprintf("order %s", order.ID),
		ExpiresIn:     s.ttl,
	})
	if err != nil {
		s.compensate(ctx, order)
		return nil, payments.ToAPIError(err)
	}

	applied, err := s.orders.AttachCharge(ctx, order.ID, reservations.Charge{
		Method:         order.PaymentMethod,
		CorrelationKey: charge.Key,
		QRCode:         charge.QRCode,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		settled, err := s.settledByWebhook(ctx, order.ID, charge.Key)
		if err != nil {
			return nil, err
		}
		order.Status = settled.Status
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"payment_method":  string(order.PaymentMethod),
			"correlation_key": charge.Key,
			"total_cents":     order.TotalCents,
		}), "checkout reserved")
	}

	return &Result{
		OrderID:          order.ID,
		Status:           order.Status,
		PaymentMethod:    order.PaymentMethod,
		CorrelationKey:   charge.Key,
		QRCode:           charge.QRCode,
		TotalCents:       order.TotalCents,
		Installments:     order.Installments,
		ReserveExpiresAt: *order.ReserveExpiresAt,
	}, nil
}

// settledByWebhook accepts a failed AttachCharge when the provider's webhook
// already paid the order under the same key.
func (s *service) settledByWebhook(ctx context.Context, id uuid.UUID, key string) (*models.Order, error) {
	current, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != enums.OrderStatusPaid || current.CorrelationKey() != key {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer awaiting payment")
	}
	return current, nil
}

func (s *service) validate(input *Input) error {
	if !input.Method.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method must be pix or card")
	}
	if !s.gateway.Supports(input.Method) {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("payment method %q is not available", input.Method))
	}
	if strings.TrimSpace(input.CustomerEmail) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer email required")
	}
	if len(input.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "at least one item required")
	}
	for _, item := range input.Items {
		if item.BookID == uuid.Nil || item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "items require a book id and a positive quantity")
		}
	}
	switch input.Method {
	case enums.PaymentMethodPix:
		input.Installments = 1
	case enums.PaymentMethodCard:
		if input.Installments == 0 {
			input.Installments = 1
		}
		if input.Installments < 1 || input.Installments > s.maxInstallments {
			return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("installments must be between 1 and %d", s.maxInstallments))
		}
		if strings.TrimSpace(input.CardSourceID) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "card source id required")
		}
	}
	return nil
}

// priceOrder fills items and totals from the catalog. An order settles to a
// single seller, so mixed-seller carts are rejected.
func (s *service) priceOrder(ctx context.Context, tx *gorm.DB, order *models.Order, items []ItemInput) error {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.BookID)
	}
	books, err := s.ledger.Books(ctx, tx, ids)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]models.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}

	var subtotal int64
	for _, item := range items {
		book, ok := byID[item.BookID]
		if !ok {
			return pkgerrors.New(pkgerrors.CodeNotFound, "book not found").
				WithDetails(map[string]any{"bookId": item.BookID.String()})
		}
		if order.SellerID == uuid.Nil {
			order.SellerID = book.SellerID
		} else if order.SellerID != book.SellerID {
			return pkgerrors.New(pkgerrors.CodeValidation, "all items must belong to the same seller")
		}
		order.Items = append(order.Items, models.OrderItem{
			BookID:         book.ID,
			Quantity:       item.Quantity,
			UnitPriceCents: book.PriceCents,
		})
		subtotal += book.PriceCents * int64(item.Quantity)
	}
	order.SubtotalCents = subtotal
	order.DiscountCents = 0
	order.TotalCents = subtotal
	if order.TotalCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
	}
	return nil
}

// compensate cancels the reservation and returns its stock after the provider
// refused the charge. When it fails the order stays WAITING and the reaper
// releases it on expiry.
func (s *service) compensate(ctx context.Context, order *models.Order) {
	ctx = context.WithoutCancel(ctx)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		canceled, err := s.orders.WithTx(tx).MarkCanceled(ctx, order.ID, s.now())
		if err != nil || !canceled {
			return err
		}
		_, err = s.ledger.ReleaseAll(ctx, tx, inventory.LinesFor(order.Items))
		return err
	})
	if err != nil && s.logg != nil {
		s.logg.Error(ctx, "checkout compensation failed", err)
	}
}

func (s *service) withOrder(ctx context.Context, id uuid.UUID) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithOrderID(ctx, id.String())
}
