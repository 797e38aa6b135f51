package reservations

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/pkg/db"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

// Repository persists orders and their reservation state. Every status
// transition is a single conditional UPDATE guarded on status = WAITING and
// reports whether it applied.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order, ttl time.Duration, now time.Time) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByCorrelationKey(ctx context.Context, key string) (*models.Order, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	AttachCharge(ctx context.Context, id uuid.UUID, charge Charge) (bool, error)
	MarkPaidIfNeededByChargeID(ctx context.Context, key string, paidAt time.Time) (bool, error)
	MarkPaidByReference(ctx context.Context, id uuid.UUID, charge Charge, paidAt time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	MarkCanceled(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// Charge is the provider correlation data stored after createCharge.
type Charge struct {
	Method         enums.PaymentMethod
	CorrelationKey string
	QRCode         string
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a reservation repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order, ttl time.Duration, now time.Time) error {
	if order == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order is required")
	}
	if ttl <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "reservation ttl must be positive")
	}
	if len(order.Items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one item")
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	for i := range order.Items {
		if order.Items[i].ID == uuid.Nil {
			order.Items[i].ID = uuid.New()
		}
		order.Items[i].OrderID = order.ID
	}
	expiresAt := now.UTC().Add(ttl)
	order.Status = enums.OrderStatusWaiting
	order.ReserveExpiresAt = &expiresAt
	order.PaidAt = nil
	if order.Installments < 1 {
		order.Installments = 1
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservation")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, notFoundOr(err, "load order")
	}
	return &order, nil
}

func (r *repository) FindByCorrelationKey(ctx context.Context, key string) (*models.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "correlation key is required")
	}
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("charge_id = ? OR txid = ?", key, key).
		First(&order).Error
	if err != nil {
		return nil, notFoundOr(err, "load order by correlation key")
	}
	return &order, nil
}

func (r *repository) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	query := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ? AND reserve_expires_at IS NOT NULL AND reserve_expires_at <= ?", enums.OrderStatusWaiting, now.UTC()).
		Order("reserve_expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find expired reservations")
	}
	return orders, nil
}

func (r *repository) AttachCharge(ctx context.Context, id uuid.UUID, charge Charge) (bool, error) {
	column, key, err := keyColumn(charge)
	if err != nil {
		return false, err
	}
	updates := map[string]any{column: key}
	if qr := strings.TrimSpace(charge.QRCode); qr != "" {
		updates["provider_qr_code"] = qr
	}
	return r.transition(ctx, "attach charge",
		r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id),
		updates)
}

func (r *repository) MarkPaidIfNeededByChargeID(ctx context.Context, key string, paidAt time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	return r.transition(ctx, "mark order paid",
		r.db.WithContext(ctx).Model(&models.Order{}).Where("(charge_id = ? OR txid = ?)", key, key),
		map[string]any{
			"status":             enums.OrderStatusPaid,
			"paid_at":            paidAt.UTC(),
			"reserve_expires_at": nil,
		})
}

// MarkPaidByReference settles an order found through the provider's copy of
// our order id, for deliveries that beat AttachCharge. The key is stored in the
// same update and must not conflict with one already attached.
func (r *repository) MarkPaidByReference(ctx context.Context, id uuid.UUID, charge Charge, paidAt time.Time) (bool, error) {
	column, key, err := keyColumn(charge)
	if err != nil {
		return false, err
	}
	return r.transition(ctx, "mark order paid by reference",
		r.db.WithContext(ctx).Model(&models.Order{}).
			Where("id = ?", id).
			Where("("+column+" IS NULL OR "+column+" = ?)", key),
		map[string]any{
			column:               key,
			"status":             enums.OrderStatusPaid,
			"paid_at":            paidAt.UTC(),
			"reserve_expires_at": nil,
		})
}

func (r *repository) MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.transition(ctx, "mark order expired",
		r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id),
		map[string]any{
			"status":             enums.OrderStatusExpired,
			"expired_at":         now.UTC(),
			"reserve_expires_at": nil,
		})
}

func (r *repository) MarkCanceled(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.transition(ctx, "mark order canceled",
		r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id),
		map[string]any{
			"status":             enums.OrderStatusCanceled,
			"canceled_at":        now.UTC(),
			"reserve_expires_at": nil,
		})
}

// transition applies updates only while the order is still WAITING.
func (r *repository) transition(ctx context.Context, op string, scoped *gorm.DB, updates map[string]any) (bool, error) {
	updates["updated_at"] = time.Now().UTC()
	res := scoped.Where("status = ?", enums.OrderStatusWaiting).Updates(updates)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error, "") {
			return false, pkgerrors.Wrap(pkgerrors.CodeConflict, res.Error, "correlation key already belongs to another order")
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, op)
	}
	return res.RowsAffected > 0, nil
}

func keyColumn(charge Charge) (string, string, error) {
	key := strings.TrimSpace(charge.CorrelationKey)
	if key == "" {
		return "", "", pkgerrors.New(pkgerrors.CodeValidation, "correlation key is required")
	}
	switch charge.Method {
	case enums.PaymentMethodCard:
		return "charge_id", key, nil
	case enums.PaymentMethodPix:
		return "txid", key, nil
	default:
		return "", "", pkgerrors.New(pkgerrors.CodeValidation, "unsupported payment method")
	}
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "order not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}
