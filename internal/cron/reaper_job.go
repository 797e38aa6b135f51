package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/internal/inventory"
	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	"github.com/angelmondragon/bookshop-backend/pkg/metrics"
)

const defaultReaperBatch = 100

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type stockReleaser interface {
	ReleaseAll(ctx context.Context, tx *gorm.DB, lines []inventory.Line) (int, error)
}

type chargeCanceler interface {
	CancelCharge(ctx context.Context, method enums.PaymentMethod, key string) (bool, error)
}

type notifier interface {
	Notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any)
}

// ReaperJobParams configure the reservation reaper.
type ReaperJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Orders    reservations.Repository
	Inventory stockReleaser
	Charges   chargeCanceler
	Notifier  notifier
	Metrics   *metrics.ReaperMetrics
	BatchSize int
}

// NewReaperJob builds the job that expires stale reservations and returns
// their stock.
func NewReaperJob(params ReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory releaser required")
	}
	if params.Charges == nil {
		return nil, fmt.Errorf("charge canceler required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReaperBatch
	}
	return &reaperJob{
		logg:      params.Logger,
		db:        params.DB,
		orders:    params.Orders,
		inventory: params.Inventory,
		charges:   params.Charges,
		notifier:  params.Notifier,
		metrics:   params.Metrics,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type reaperJob struct {
	logg      *logger.Logger
	db        txRunner
	orders    reservations.Repository
	inventory stockReleaser
	charges   chargeCanceler
	notifier  notifier
	metrics   *metrics.ReaperMetrics
	batch     int
	now       func() time.Time
}

func (j *reaperJob) Name() string { return "reservation-reaper" }

// Run processes every candidate independently. Persistence failures are
// collected and returned after the whole batch has been attempted.
func (j *reaperJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	candidates, err := j.orders.FindExpired(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("query expired reservations: %w", err)
	}

	run := metrics.ReaperRun{Candidates: len(candidates)}
	var errs []error
	for _, order := range candidates {
		orderCtx := j.logg.WithOrderID(ctx, order.ID.String())
		if !j.cancelCharge(orderCtx, order) {
			run.CancelFailures++
		}
		applied, units, err := j.expire(orderCtx, order, now)
		switch {
		case err != nil:
			run.Failed++
			j.logg.Error(orderCtx, "failed to expire reservation", err)
			errs = append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
		case !applied:
			run.Skipped++
		default:
			run.Processed++
			run.UnitsReleased += units
			j.notify(orderCtx, order, units)
		}
	}

	j.metrics.ObserveRun(run)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates":      run.Candidates,
		"processed":       run.Processed,
		"units_released":  run.UnitsReleased,
		"cancel_failures": run.CancelFailures,
		"skipped":         run.Skipped,
	})
	j.logg.Info(logCtx, "reservation reaper run complete")
	return multierr.Combine(errs...)
}

// cancelCharge is best-effort and reports false only when the provider call failed.
func (j *reaperJob) cancelCharge(ctx context.Context, order models.Order) bool {
	key := order.CorrelationKey()
	if key == "" {
		return true
	}
	canceled, err := j.charges.CancelCharge(ctx, order.PaymentMethod, key)
	if err != nil {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"correlation_key": key,
			"error":           err.Error(),
		}), "charge cancel failed; expiring anyway")
		return false
	}
	if !canceled {
		j.logg.Info(j.logg.WithField(ctx, "correlation_key", key), "charge was not cancelable")
	}
	return true
}

// expire marks the order EXPIRED and returns its stock in one transaction.
// Stock moves only when the conditional transition applied.
func (j *reaperJob) expire(ctx context.Context, order models.Order, now time.Time) (bool, int, error) {
	var (
		applied bool
		units   int
	)
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		applied, err = j.orders.WithTx(tx).MarkExpired(ctx, order.ID, now)
		if err != nil || !applied {
			return err
		}
		units, err = j.inventory.ReleaseAll(ctx, tx, inventory.LinesFor(order.Items))
		return err
	})
	if err != nil {
		return false, 0, err
	}
	return applied, units, nil
}

func (j *reaperJob) notify(ctx context.Context, order models.Order, units int) {
	if j.notifier == nil {
		return
	}
	j.notifier.Notify(ctx, enums.NotificationOrderExpired, order.ID, map[string]any{
		"unitsReleased": units,
		"totalCents":    order.TotalCents,
	})
}
