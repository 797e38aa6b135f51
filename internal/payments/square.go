package payments

import (
	"context"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/square"
)

const squareCanceledStatus = "CANCELED"

type squareAPI interface {
	CreatePayment(ctx context.Context, params square.PaymentCreateParams) (*sq.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
}

// CardGateway charges tokenized cards through Square. The Square payment id
// is the order's charge id.
type CardGateway struct {
	api     squareAPI
	matcher StatusMatcher
}

func NewCardGateway(api squareAPI, extraPaidStatuses []string) *CardGateway {
	return &CardGateway{
		api:     api,
		matcher: NewStatusMatcher(enums.PaymentMethodCard, extraPaidStatuses...),
	}
}

func (g *CardGateway) Method() enums.PaymentMethod { return enums.PaymentMethodCard }

func (g *CardGateway) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	payment, err := g.api.CreatePayment(ctx, square.PaymentCreateParams{
		AmountCents: req.AmountCents,
		SourceID:    req.SourceID,
		// One payment per order even if checkout is retried after a timeout.
		IdempotencyKey: "order-" + req.OrderID.String(),
		Note:           req.Description,
		ReferenceID:    req.OrderID.String(),
	})
	if err != nil {
		return nil, newGatewayError("square", "create_payment", square.StatusCode(err), 0, err)
	}
	return &Charge{Key: deref(payment.GetID()), Status: deref(payment.GetStatus())}, nil
}

func (g *CardGateway) CancelCharge(ctx context.Context, key string) (bool, error) {
	payment, err := g.api.CancelPayment(ctx, key)
	if err != nil {
		return false, newGatewayError("square", "cancel_payment", square.StatusCode(err), 0, err)
	}
	return strings.EqualFold(deref(payment.GetStatus()), squareCanceledStatus), nil
}

func (g *CardGateway) IsPaidStatus(raw string) bool {
	return g.matcher.IsPaid(raw)
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
