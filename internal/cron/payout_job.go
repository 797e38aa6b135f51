package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/bookshop-backend/internal/payouts"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

const defaultPayoutBatch = 50

type eligibleOrderReader interface {
	FindEligible(ctx context.Context, method enums.PaymentMethod, paidBefore time.Time, limit int) ([]models.Order, error)
}

type payoutTrigger interface {
	Trigger(ctx context.Context, orderID uuid.UUID, externalID string) (*payouts.Outcome, error)
}

// PayoutDelay is the compliance window for one payment method.
type PayoutDelay struct {
	Method enums.PaymentMethod
	Delay  time.Duration
}

// PayoutJobParams configure the payout scheduler.
type PayoutJobParams struct {
	Logger    *logger.Logger
	Orders    eligibleOrderReader
	Engine    payoutTrigger
	Delays    []PayoutDelay
	BatchSize int
}

// NewPayoutJob builds the job that settles paid orders past their delay.
func NewPayoutJob(params PayoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("eligible order reader required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("payout engine required")
	}
	if len(params.Delays) == 0 {
		return nil, fmt.Errorf("at least one payout delay required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPayoutBatch
	}
	return &payoutJob{
		logg:   params.Logger,
		orders: params.Orders,
		engine: params.Engine,
		delays: params.Delays,
		batch:  batch,
		now:    time.Now,
	}, nil
}

type payoutJob struct {
	logg   *logger.Logger
	orders eligibleOrderReader
	engine payoutTrigger
	delays []PayoutDelay
	batch  int
	now    func() time.Time
}

func (j *payoutJob) Name() string { return "payout-scheduler" }

// Run settles each method's eligible orders. One order's failure is logged
// and does not stop the rest of the batch.
func (j *payoutJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	runID := fmt.Sprintf("sched-%s-%s", now.Format("20060102"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	ctx = j.logg.WithField(ctx, "payout_run", runID)

	var errs []error
	for _, d := range j.delays {
		if err := j.runMethod(ctx, d, now, runID); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (j *payoutJob) runMethod(ctx context.Context, d PayoutDelay, now time.Time, runID string) error {
	ctx = j.logg.WithField(ctx, "payment_method", string(d.Method))
	orders, err := j.orders.FindEligible(ctx, d.Method, now.Add(-d.Delay), j.batch)
	if err != nil {
		return fmt.Errorf("query eligible %s orders: %w", d.Method, err)
	}

	counts := map[string]int{}
	var errs []error
	for _, order := range orders {
		externalID := runID + "-" + order.ID.String()[:8]
		outcome, err := j.engine.Trigger(ctx, order.ID, externalID)
		if err != nil {
			counts["error"]++
			orderCtx := j.logg.WithFields(j.logg.WithOrderID(ctx, order.ID.String()), map[string]any{"external_id": externalID})
			j.logg.Error(orderCtx, "payout trigger failed", err)
			errs = append(errs, fmt.Errorf("payout order %s: %w", order.ID, err))
			continue
		}
		counts[outcome.Result]++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"eligible":         len(orders),
		"sent":             counts[payouts.ResultSent],
		"deferred":         counts[payouts.ResultDeferred],
		"already_paid_out": counts[payouts.ResultAlreadyPaidOut],
		"errors":           counts["error"],
	})
	j.logg.Info(logCtx, "payout batch complete")
	return multierr.Combine(errs...)
}
