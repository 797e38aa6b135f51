// Package payouts settles paid orders to sellers once their compliance delay
// has passed. At most one payout record exists per order.
package payouts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	"github.com/angelmondragon/bookshop-backend/pkg/metrics"
)

const defaultTransferTimeout = 10 * time.Second

// Result values reported in Outcome.Result and the payout metrics.
const (
	ResultSent           = "sent"
	ResultFailed         = "failed"
	ResultDeferred       = "deferred"
	ResultAlreadyPaidOut = "already_paid_out"
)

// Transferer moves money to a payee key.
type Transferer interface {
	Send(ctx context.Context, req payments.TransferRequest) (*payments.TransferReceipt, error)
}

type notifier interface {
	Notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any)
}

// Outcome describes what a trigger did for one order.
type Outcome struct {
	OrderID    uuid.UUID          `json:"orderId"`
	PayoutID   uuid.UUID          `json:"payoutId"`
	ExternalID string             `json:"externalId,omitempty"`
	Result     string             `json:"result"`
	Status     enums.PayoutStatus `json:"status"`
	TransferID string             `json:"transferId,omitempty"`
	Breakdown
}

// EngineParams configures the trigger engine.
type EngineParams struct {
	Repo            Repository
	Fees            FeeStrategy
	Transfers       Transferer
	Notifier        notifier
	Metrics         *metrics.PayoutMetrics
	MinSendCents    int64
	TransferTimeout time.Duration
	Logger          *logger.Logger
}

// Engine computes and sends the payout for a single order.
type Engine struct {
	repo         Repository
	fees         FeeStrategy
	transfers    Transferer
	notifier     notifier
	metrics      *metrics.PayoutMetrics
	minSendCents int64
	timeout      time.Duration
	logg         *logger.Logger
}

func NewEngine(p EngineParams) (*Engine, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if p.Fees == nil {
		return nil, fmt.Errorf("fee strategy required")
	}
	if p.Transfers == nil {
		return nil, fmt.Errorf("transferer required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	timeout := p.TransferTimeout
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}
	return &Engine{
		repo:         p.Repo,
		fees:         p.Fees,
		transfers:    p.Transfers,
		notifier:     p.Notifier,
		metrics:      p.Metrics,
		minSendCents: p.MinSendCents,
		timeout:      timeout,
		logg:         p.Logger,
	}, nil
}

// Trigger settles the order. Amounts under the minimum are recorded as
// deferred and never sent. A transfer failure leaves a failed record and is
// returned as an error alongside the outcome.
func (e *Engine) Trigger(ctx context.Context, orderID uuid.UUID, externalID string) (*Outcome, error) {
	externalID = strings.TrimSpace(externalID)
	ctx = e.logg.WithFields(e.logg.WithOrderID(ctx, orderID.String()), map[string]any{"external_id": externalID})

	order, err := e.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not paid").
			WithDetails(map[string]any{"status": string(order.Status)})
	}
	payeeKey, err := e.payeeKey(ctx, order.SellerID)
	if err != nil {
		return nil, err
	}

	breakdown := e.fees.Breakdown(order.PaymentMethod, order.Installments, order.TotalCents)
	record := &models.Payout{
		OrderID:       order.ID,
		SellerID:      order.SellerID,
		PaymentMethod: order.PaymentMethod,
		GrossCents:    breakdown.GrossCents,
		FeeCents:      breakdown.FeeCents,
		MarginCents:   breakdown.MarginCents,
		AmountCents:   breakdown.NetCents,
		PayeeKey:      payeeKey,
		Status:        enums.PayoutStatusPending,
	}
	if externalID != "" {
		record.ExternalID = &externalID
	}
	deferred := breakdown.NetCents < e.minSendCents || breakdown.NetCents <= 0
	if deferred {
		reason := fmt.Sprintf("net %d below minimum %d", breakdown.NetCents, e.minSendCents)
		record.Status = enums.PayoutStatusDeferred
		record.FailureReason = &reason
	}

	inserted, err := e.repo.InsertIfAbsent(ctx, record)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		OrderID:    order.ID,
		PayoutID:   record.ID,
		ExternalID: externalID,
		Status:     record.Status,
		Breakdown:  breakdown,
	}
	method := string(order.PaymentMethod)

	if !inserted {
		existing, err := e.repo.FindByOrderID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		outcome.PayoutID = existing.ID
		outcome.Status = existing.Status
		outcome.Result = ResultAlreadyPaidOut
		e.metrics.IncOutcome(method, ResultAlreadyPaidOut)
		e.logg.Info(ctx, "payout already recorded for order")
		return outcome, nil
	}

	if deferred {
		outcome.Result = ResultDeferred
		e.metrics.IncOutcome(method, ResultDeferred)
		e.logg.Warn(e.logg.WithField(ctx, "net_cents", breakdown.NetCents), "payout below minimum; deferred")
		e.notify(ctx, enums.NotificationPayoutDeferred, order.ID, map[string]any{
			"netCents": breakdown.NetCents,
			"minCents": e.minSendCents,
		})
		return outcome, nil
	}

	receipt, sendErr := e.send(ctx, record)
	finishCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		outcome.Status = enums.PayoutStatusFailed
		outcome.Result = ResultFailed
		e.metrics.IncOutcome(method, ResultFailed)
		if err := e.repo.MarkFailed(finishCtx, record.ID, sendErr.Error()); err != nil {
			e.logg.Error(finishCtx, "failed to record payout failure", err)
		}
		e.notify(finishCtx, enums.NotificationPayoutFailed, order.ID, map[string]any{"reason": sendErr.Error()})
		return outcome, pkgerrors.Wrap(pkgerrors.CodeDependency, sendErr, "payout transfer failed")
	}

	if err := e.repo.MarkSent(finishCtx, record.ID, receipt.ID); err != nil {
		return nil, err
	}
	outcome.Status = enums.PayoutStatusSent
	outcome.Result = ResultSent
	outcome.TransferID = receipt.ID
	e.metrics.IncOutcome(method, ResultSent)
	e.metrics.AddSent(method, breakdown.NetCents)
	e.logg.Info(e.logg.WithFields(finishCtx, map[string]any{
		"payout_id":   record.ID.String(),
		"transfer_id": receipt.ID,
		"net_cents":   breakdown.NetCents,
	}), "payout sent")
	e.notify(finishCtx, enums.NotificationPayoutSent, order.ID, map[string]any{
		"amountCents": breakdown.NetCents,
		"transferId":  receipt.ID,
	})
	return outcome, nil
}

func (e *Engine) payeeKey(ctx context.Context, sellerID uuid.UUID) (string, error) {
	seller, err := e.repo.FindSeller(ctx, sellerID)
	if err != nil {
		return "", err
	}
	if !seller.Active {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "seller is not active")
	}
	if seller.PayoutKey == nil || strings.TrimSpace(*seller.PayoutKey) == "" {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "seller has no payout key")
	}
	return strings.TrimSpace(*seller.PayoutKey), nil
}

func (e *Engine) send(ctx context.Context, record *models.Payout) (*payments.TransferReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.transfers.Send(ctx, payments.TransferRequest{
		IdempotencyKey: strings.ReplaceAll(record.ID.String(), "-", ""),
		AmountCents:    record.AmountCents,
		PayeeKey:       record.PayeeKey,
		Description:    fmt.Sprintf("payout order %s", record.OrderID),
	})
}

func (e *Engine) notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, event, orderID, fields)
}
