package payouts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

// Repository persists payout records and reads the orders and sellers they settle.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindEligible(ctx context.Context, method enums.PaymentMethod, paidBefore time.Time, limit int) ([]models.Order, error)
	FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindSeller(ctx context.Context, id uuid.UUID) (*models.Seller, error)
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payout, error)
	InsertIfAbsent(ctx context.Context, payout *models.Payout) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, transferID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds a payout repository to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// FindEligible returns PAID orders of the given method, paid at or before the
// cutoff, with a correlation key and no payout row yet.
func (r *repository) FindEligible(ctx context.Context, method enums.PaymentMethod, paidBefore time.Time, limit int) ([]models.Order, error) {
	keyColumn := "txid"
	if method == enums.PaymentMethodCard {
		keyColumn = "charge_id"
	}
	query := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("orders.status = ?", enums.OrderStatusPaid).
		Where("orders.payment_method = ?", method).
		Where("orders.paid_at IS NOT NULL AND orders.paid_at <= ?", paidBefore.UTC()).
		Where("orders."+keyColumn+" IS NOT NULL AND orders."+keyColumn+" <> ''").
		Where("NOT EXISTS (SELECT 1 FROM payouts p WHERE p.order_id = orders.id)").
		Order("orders.paid_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var orders []models.Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find payout eligible orders")
	}
	return orders, nil
}

func (r *repository) FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, notFoundOr(err, "order not found", "load order")
	}
	return &order, nil
}

func (r *repository) FindSeller(ctx context.Context, id uuid.UUID) (*models.Seller, error) {
	var seller models.Seller
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&seller).Error; err != nil {
		return nil, notFoundOr(err, "seller not found", "load seller")
	}
	return &seller, nil
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Payout, error) {
	var payout models.Payout
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&payout).Error; err != nil {
		return nil, notFoundOr(err, "payout not found", "load payout")
	}
	return &payout, nil
}

// InsertIfAbsent inserts the record unless one exists for the order. The
// unique order_id index decides; no prior SELECT is involved.
func (r *repository) InsertIfAbsent(ctx context.Context, payout *models.Payout) (bool, error) {
	if payout == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "payout is required")
	}
	if payout.ID == uuid.Nil {
		payout.ID = uuid.New()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(payout)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "insert payout")
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) MarkSent(ctx context.Context, id uuid.UUID, transferID string) error {
	return r.finish(ctx, id, map[string]any{
		"status":      enums.PayoutStatusSent,
		"transfer_id": transferID,
	})
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.finish(ctx, id, map[string]any{
		"status":         enums.PayoutStatusFailed,
		"failure_reason": reason,
	})
}

// finish moves a pending record to its final state.
func (r *repository) finish(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&models.Payout{}).
		Where("id = ? AND status = ?", id, enums.PayoutStatusPending).
		Updates(updates)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update payout status")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payout is not pending")
	}
	return nil
}

func notFoundOr(err error, missing, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, missing)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}
