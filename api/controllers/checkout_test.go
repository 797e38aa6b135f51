package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkoutsvc "github.com/angelmondragon/bookshop-backend/internal/checkout"
	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

type stubCheckoutService struct {
	result *checkoutsvc.Result
	err    error
	got    *checkoutsvc.Input
}

func (s *stubCheckoutService) Execute(_ context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error) {
	s.got = &input
	return s.result, s.err
}

func postCheckout(t *testing.T, svc checkoutService, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(body))
	Checkout(svc, quietLogger())(rec, req)
	return rec
}

func TestCheckoutSuccess(t *testing.T) {
	orderID := uuid.New()
	bookID := uuid.New()
	expires := time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)
	svc := &stubCheckoutService{result: &checkoutsvc.Result{
		OrderID:          orderID,
		Status:           enums.OrderStatusWaiting,
		PaymentMethod:    enums.PaymentMethodPix,
		CorrelationKey:   "tx-abc",
		QRCode:           "000201...",
		TotalCents:       4990,
		Installments:     1,
		ReserveExpiresAt: expires,
	}}

	rec := postCheckout(t, svc, `{"paymentMethod":"pix","customerEmail":"reader@example.com","couponCode":"  SPRING ","items":[{"bookId":"`+bookID.String()+`","quantity":2}]}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{
		"orderId":"`+orderID.String()+`",
		"status":"WAITING",
		"paymentMethod":"pix",
		"correlationKey":"tx-abc",
		"qrCode":"000201...",
		"totalCents":4990,
		"installments":1,
		"reserveExpiresAt":"2026-05-01T10:15:00Z"
	}`, string(decodeEnvelope(t, rec).Data))

	require.NotNil(t, svc.got)
	assert.Equal(t, enums.PaymentMethodPix, svc.got.Method)
	assert.Equal(t, "SPRING", svc.got.CouponCode)
	require.Len(t, svc.got.Items, 1)
	assert.Equal(t, bookID, svc.got.Items[0].BookID)
	assert.Equal(t, 2, svc.got.Items[0].Quantity)
}

func TestCheckoutValidation(t *testing.T) {
	book := uuid.NewString()
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown method", `{"paymentMethod":"boleto","customerEmail":"a@b.co","items":[{"bookId":"` + book + `","quantity":1}]}`, "paymentMethod"},
		{"bad email", `{"paymentMethod":"pix","customerEmail":"nope","items":[{"bookId":"` + book + `","quantity":1}]}`, "customerEmail"},
		{"no items", `{"paymentMethod":"pix","customerEmail":"a@b.co","items":[]}`, "items"},
		{"zero quantity", `{"paymentMethod":"pix","customerEmail":"a@b.co","items":[{"bookId":"` + book + `","quantity":0}]}`, "items[0].quantity"},
		{"card without source", `{"paymentMethod":"card","customerEmail":"a@b.co","items":[{"bookId":"` + book + `","quantity":1}]}`, "cardSourceId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{}
			rec := postCheckout(t, svc, tc.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			require.NotNil(t, env.Error)
			assert.Contains(t, env.Error.Details, tc.field)
			assert.Nil(t, svc.got, "service must not run on invalid input")
		})
	}
}

func TestCheckoutRejectsMalformedJSON(t *testing.T) {
	rec := postCheckout(t, &stubCheckoutService{}, `{"paymentMethod":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutMapsServiceErrors(t *testing.T) {
	throttled := payments.ToAPIError(&payments.GatewayError{
		Provider:   "pix",
		Op:         "create_charge",
		Kind:       payments.KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 12 * time.Second,
		Err:        errors.New("slow down"),
	})
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   pkgerrors.Code
	}{
		{"out of stock", pkgerrors.New(pkgerrors.CodeConflict, "insufficient stock"), http.StatusConflict, pkgerrors.CodeConflict},
		{"book missing", pkgerrors.New(pkgerrors.CodeNotFound, "book not found"), http.StatusNotFound, pkgerrors.CodeNotFound},
		{"provider throttled", throttled, http.StatusTooManyRequests, pkgerrors.CodeRateLimit},
		{"provider down", pkgerrors.New(pkgerrors.CodeDependency, "payment provider unavailable"), http.StatusServiceUnavailable, pkgerrors.CodeDependency},
	}
	body := `{"paymentMethod":"pix","customerEmail":"a@b.co","items":[{"bookId":"` + uuid.NewString() + `","quantity":1}]}`
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postCheckout(t, &stubCheckoutService{err: tc.err}, body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			env := decodeEnvelope(t, rec)
			require.NotNil(t, env.Error)
			assert.Equal(t, string(tc.wantCode), env.Error.Code)
			if tc.wantCode == pkgerrors.CodeRateLimit {
				assert.Equal(t, "12", rec.Header().Get("Retry-After"))
			}
		})
	}
}
