package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

const (
	StatusInvalidJSON      = "INVALID_JSON"
	StatusInvalidSignature = "INVALID_SIGNATURE"
	StatusPayloadTooLarge  = "PAYLOAD_TOO_LARGE"
)

// Outcome is what the reconciler did with a delivery.
type Outcome string

const (
	OutcomeInvalidJSON      Outcome = "invalid_json"
	OutcomeInvalidSignature Outcome = "invalid_signature"
	OutcomePayloadTooLarge  Outcome = "payload_too_large"
	OutcomeNoCorrelation    Outcome = "no_correlation"
	OutcomeNoStatus         Outcome = "no_status"
	OutcomeOrderNotFound    Outcome = "order_not_found"
	OutcomeProcessed        Outcome = "processed"
)

// Result is returned for every acknowledged delivery.
type Result struct {
	Outcome Outcome
	Status  string
	Paid    bool
	Applied bool
	OrderID uuid.UUID
}

// Message is the acknowledgment text returned to the provider.
func (r Result) Message() string {
	switch r.Outcome {
	case OutcomeInvalidJSON:
		return "ignored: invalid json"
	case OutcomeInvalidSignature:
		return "ignored: invalid signature"
	case OutcomePayloadTooLarge:
		return "ignored: payload too large"
	case OutcomeNoCorrelation:
		return "ignored: no charge_id"
	case OutcomeNoStatus:
		return "ignored: no status"
	case OutcomeOrderNotFound:
		return "ignored: order not found"
	default:
		return fmt.Sprintf("status=%s; applied=%t", r.Status, r.Applied)
	}
}

func (r Result) metricLabel() string {
	if r.Outcome != OutcomeProcessed {
		return string(r.Outcome)
	}
	switch {
	case r.Applied:
		return "applied"
	case r.Paid:
		return "duplicate"
	default:
		return "not_paid"
	}
}

// Delivery is one inbound provider notification.
type Delivery struct {
	Provider  enums.PaymentMethod
	Body      []byte
	Signature string
	// Oversized marks a body cut off at the size limit. Body holds the prefix.
	Oversized bool
}

type orderStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByCorrelationKey(ctx context.Context, key string) (*models.Order, error)
	MarkPaidIfNeededByChargeID(ctx context.Context, key string, paidAt time.Time) (bool, error)
	MarkPaidByReference(ctx context.Context, id uuid.UUID, charge reservations.Charge, paidAt time.Time) (bool, error)
}

type paidStatuses interface {
	IsPaidStatus(method enums.PaymentMethod, raw string) bool
}

type notifier interface {
	Notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any)
}

type outcomeRecorder interface {
	IncOutcome(provider, outcome string)
}

// ReconcilerParams wires the reconciler's collaborators.
type ReconcilerParams struct {
	Events   EventRepository
	Orders   orderStore
	Statuses paidStatuses
	Notifier notifier
	Metrics  outcomeRecorder
	Paths    PathSet
	// Secrets enables signature checks for the providers that have one.
	Secrets        map[enums.PaymentMethod]string
	CardPayoutDays int
	Logger         *logger.Logger
}

// Reconciler turns provider webhooks into order transitions. Every delivery is
// audited before anything else happens and replays are absorbed by the
// conditional WAITING -> PAID update.
type Reconciler struct {
	events         EventRepository
	orders         orderStore
	statuses       paidStatuses
	notifier       notifier
	metrics        outcomeRecorder
	paths          PathSet
	secrets        map[enums.PaymentMethod]string
	cardPayoutDays int
	logg           *logger.Logger
	now            func() time.Time
}

func NewReconciler(p ReconcilerParams) (*Reconciler, error) {
	if p.Events == nil {
		return nil, errors.New("webhook event repository required")
	}
	if p.Orders == nil {
		return nil, errors.New("order store required")
	}
	if p.Statuses == nil {
		return nil, errors.New("paid status matcher required")
	}
	paths := p.Paths
	if len(paths.Correlation) == 0 || len(paths.Status) == 0 {
		paths = DefaultPaths(paths.Correlation, paths.Status)
	}
	if len(paths.Reference) == 0 {
		paths.Reference = DefaultPaths(nil, nil).Reference
	}
	return &Reconciler{
		events:         p.Events,
		orders:         p.Orders,
		statuses:       p.Statuses,
		notifier:       p.Notifier,
		metrics:        p.Metrics,
		paths:          paths,
		secrets:        p.Secrets,
		cardPayoutDays: p.CardPayoutDays,
		logg:           p.Logger,
		now:            time.Now,
	}, nil
}

// Handle reconciles one delivery. The returned error is non-nil only when the
// store failed, in which case the provider should retry.
func (r *Reconciler) Handle(ctx context.Context, d Delivery) (Result, error) {
	result, err := r.handle(ctx, d)
	if err == nil && r.metrics != nil {
		r.metrics.IncOutcome(string(d.Provider), result.metricLabel())
	}
	return result, err
}

func (r *Reconciler) handle(ctx context.Context, d Delivery) (Result, error) {
	now := r.now().UTC()
	event := &models.WebhookEvent{
		Provider:   d.Provider,
		RawBody:    string(d.Body),
		ReceivedAt: now,
	}

	if d.Oversized {
		event.Status = StatusPayloadTooLarge
		if err := r.events.Append(ctx, event); err != nil {
			return Result{}, err
		}
		r.warn(ctx, d, "webhook body exceeds size limit", map[string]any{"body_bytes": len(d.Body)})
		return Result{Outcome: OutcomePayloadTooLarge}, nil
	}

	if secret := strings.TrimSpace(r.secrets[d.Provider]); secret != "" && !validSignature(d.Body, secret, d.Signature) {
		event.Status = StatusInvalidSignature
		if err := r.events.Append(ctx, event); err != nil {
			return Result{}, err
		}
		r.warn(ctx, d, "webhook signature rejected", nil)
		return Result{Outcome: OutcomeInvalidSignature}, nil
	}

	tree, err := decode(d.Body)
	if err != nil {
		event.Status = StatusInvalidJSON
		if err := r.events.Append(ctx, event); err != nil {
			return Result{}, err
		}
		r.warn(ctx, d, "webhook body is not valid json", nil)
		return Result{Outcome: OutcomeInvalidJSON}, nil
	}

	key, status := r.paths.Extract(tree)
	event.Status = status
	if key != "" {
		event.CorrelationKey = &key
	}

	var (
		order       *models.Order
		lookupErr   error
		byReference bool
	)
	if key != "" {
		order, lookupErr = r.orders.FindByCorrelationKey(ctx, key)
		if pkgerrors.IsCode(lookupErr, pkgerrors.CodeNotFound) {
			order, lookupErr = nil, nil
		}
		if order == nil && lookupErr == nil {
			order, lookupErr = r.findByReference(ctx, d.Provider, r.paths.ExtractReference(tree))
			byReference = order != nil
		}
	}
	if order != nil {
		event.OrderID = &order.ID
	}
	if err := r.events.Append(ctx, event); err != nil {
		return Result{}, err
	}
	if lookupErr != nil {
		return Result{}, lookupErr
	}

	switch {
	case key == "":
		return Result{Outcome: OutcomeNoCorrelation}, nil
	case status == "":
		return Result{Outcome: OutcomeNoStatus}, nil
	case order == nil:
		r.warn(ctx, d, "webhook for unknown order", map[string]any{"correlation_key": key})
		return Result{Outcome: OutcomeOrderNotFound}, nil
	}

	result := Result{Outcome: OutcomeProcessed, Status: status, OrderID: order.ID}
	if !r.statuses.IsPaidStatus(d.Provider, status) {
		return result, nil
	}
	result.Paid = true

	var applied bool
	if byReference {
		applied, err = r.orders.MarkPaidByReference(ctx, order.ID, reservations.Charge{Method: order.PaymentMethod, CorrelationKey: key}, now)
	} else {
		applied, err = r.orders.MarkPaidIfNeededByChargeID(ctx, key, now)
	}
	if err != nil {
		return Result{}, err
	}
	result.Applied = applied
	if applied {
		r.onPaid(ctx, order)
	}
	return result, nil
}

// findByReference resolves a delivery whose key is not attached yet through
// the order id echoed by the provider. Only an order of the same method with
// no key of its own qualifies.
func (r *Reconciler) findByReference(ctx context.Context, provider enums.PaymentMethod, ref string) (*models.Order, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, nil
	}
	order, err := r.orders.FindByID(ctx, id)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if order.PaymentMethod != provider || order.CorrelationKey() != "" {
		return nil, nil
	}
	return order, nil
}

func (r *Reconciler) onPaid(ctx context.Context, order *models.Order) {
	fields := map[string]any{
		"paymentMethod": string(order.PaymentMethod),
		"totalCents":    order.TotalCents,
	}
	if order.PaymentMethod == enums.PaymentMethodCard {
		fields["payoutInDays"] = r.cardPayoutDays
		fields["message"] = fmt.Sprintf("payout scheduled in %d days", r.cardPayoutDays)
	}
	if r.logg != nil {
		logCtx := r.logg.WithOrderID(ctx, order.ID.String())
		r.logg.Info(logCtx, "order marked paid")
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, enums.NotificationOrderPaid, order.ID, fields)
	}
}

func (r *Reconciler) warn(ctx context.Context, d Delivery, msg string, fields map[string]any) {
	if r.logg == nil {
		return
	}
	logCtx := r.logg.WithProvider(ctx, string(d.Provider))
	if len(fields) > 0 {
		logCtx = r.logg.WithFields(logCtx, fields)
	}
	r.logg.Warn(logCtx, msg)
}

func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after json value")
	}
	return tree, nil
}
