package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/api/responses"
	"github.com/angelmondragon/bookshop-backend/api/validators"
	checkoutsvc "github.com/angelmondragon/bookshop-backend/internal/checkout"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

const maxCouponCodeLen = 64

type checkoutService interface {
	Execute(ctx context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error)
}

// Checkout reserves stock for the requested books and opens a provider charge.
func Checkout(svc checkoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "checkout service unavailable"))
			return
		}

		var payload checkoutRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Execute(r.Context(), payload.toInput())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newCheckoutResponse(result))
	}
}

type checkoutRequest struct {
	PaymentMethod string                `json:"paymentMethod" validate:"required,oneof=pix card"`
	CustomerEmail string                `json:"customerEmail" validate:"required,email,max=254"`
	Items         []checkoutItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
	Installments  int                   `json:"installments,omitempty" validate:"omitempty,min=1,max=24"`
	CardSourceID  string                `json:"cardSourceId,omitempty" validate:"required_if=PaymentMethod card"`
	CouponCode    string                `json:"couponCode,omitempty"`
}

type checkoutItemRequest struct {
	BookID   uuid.UUID `json:"bookId" validate:"required"`
	Quantity int       `json:"quantity" validate:"gt=0,max=100"`
}

func (p checkoutRequest) toInput() checkoutsvc.Input {
	items := make([]checkoutsvc.ItemInput, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, checkoutsvc.ItemInput{BookID: item.BookID, Quantity: item.Quantity})
	}
	return checkoutsvc.Input{
		Method:        enums.PaymentMethod(p.PaymentMethod),
		CustomerEmail: p.CustomerEmail,
		Items:         items,
		Installments:  p.Installments,
		CardSourceID:  validators.SanitizeString(p.CardSourceID, 0),
		CouponCode:    validators.SanitizeString(p.CouponCode, maxCouponCodeLen),
	}
}

type checkoutResponse struct {
	OrderID          uuid.UUID `json:"orderId"`
	Status           string    `json:"status"`
	PaymentMethod    string    `json:"paymentMethod"`
	CorrelationKey   string    `json:"correlationKey"`
	QRCode           string    `json:"qrCode,omitempty"`
	TotalCents       int64     `json:"totalCents"`
	Installments     int       `json:"installments"`
	ReserveExpiresAt time.Time `json:"reserveExpiresAt"`
}

func newCheckoutResponse(result *checkoutsvc.Result) checkoutResponse {
	return checkoutResponse{
		OrderID:          result.OrderID,
		Status:           string(result.Status),
		PaymentMethod:    string(result.PaymentMethod),
		CorrelationKey:   result.CorrelationKey,
		QRCode:           result.QRCode,
		TotalCents:       result.TotalCents,
		Installments:     result.Installments,
		ReserveExpiresAt: result.ReserveExpiresAt.UTC(),
	}
}
