package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

const defaultTimeout = 10 * time.Second

// ChargeRequest is the order draft handed to a provider at checkout.
type ChargeRequest struct {
	OrderID       uuid.UUID
	Method        enums.PaymentMethod
	AmountCents   int64
	Installments  int
	CustomerEmail string
	// SourceID is the tokenized card (card payments only).
	SourceID    string
	Description string
	ExpiresIn   time.Duration
}

// Charge is what a provider returns for a created charge.
type Charge struct {
	Key    string
	QRCode string
	Status string
}

// Gateway is a single payment provider.
type Gateway interface {
	Method() enums.PaymentMethod
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// CancelCharge reports whether the provider actually canceled the charge.
	CancelCharge(ctx context.Context, key string) (bool, error)
	IsPaidStatus(raw string) bool
}

// Router dispatches to the Gateway registered for each payment method and
// bounds every provider call with a timeout.
type Router struct {
	gateways map[enums.PaymentMethod]Gateway
	timeout  time.Duration
}

// NewRouter registers gateways by their method. A later gateway for the same
// method replaces an earlier one.
func NewRouter(timeout time.Duration, gateways ...Gateway) *Router {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Router{gateways: map[enums.PaymentMethod]Gateway{}, timeout: timeout}
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		r.gateways[gw.Method()] = gw
	}
	return r
}

// Supports reports whether a gateway is registered for method.
func (r *Router) Supports(method enums.PaymentMethod) bool {
	_, ok := r.gateways[method]
	return ok
}

func (r *Router) gateway(method enums.PaymentMethod) (Gateway, error) {
	gw, ok := r.gateways[method]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("payment method %q is not available", method))
	}
	return gw, nil
}

// CreateCharge creates a charge with the provider for req.Method.
func (r *Router) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	gw, err := r.gateway(req.Method)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return gw.CreateCharge(ctx, req)
}

// CancelCharge cancels the charge identified by key with the provider for method.
func (r *Router) CancelCharge(ctx context.Context, method enums.PaymentMethod, key string) (bool, error) {
	gw, err := r.gateway(method)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return gw.CancelCharge(ctx, key)
}

// IsPaidStatus reports whether raw means "paid" for the provider of method.
func (r *Router) IsPaidStatus(method enums.PaymentMethod, raw string) bool {
	gw, ok := r.gateways[method]
	if !ok {
		return false
	}
	return gw.IsPaidStatus(raw)
}
