package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/bookshop-backend/api/responses"
	"github.com/angelmondragon/bookshop-backend/internal/webhooks"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookSignatureHeaders names the header each provider signs deliveries in.
var WebhookSignatureHeaders = map[enums.PaymentMethod]string{
	enums.PaymentMethodCard: "Square-Signature",
	enums.PaymentMethodPix:  "X-Pix-Signature",
}

type webhookReconciler interface {
	Handle(ctx context.Context, d webhooks.Delivery) (webhooks.Result, error)
}

type webhookAck struct {
	Message string `json:"message"`
}

// Webhook acknowledges every delivery it could read with 200 so providers stop
// retrying, including ignored and oversized ones. Only store failures answer
// 503 to ask for redelivery.
func Webhook(reconciler webhookReconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reconciler == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook reconciler unavailable"))
			return
		}

		provider, err := enums.ParsePaymentMethod(chi.URLParam(r, "provider"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "unknown webhook provider"))
			return
		}
		if logg != nil {
			ctx = logg.WithProvider(ctx, string(provider))
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		var tooLarge *http.MaxBytesError
		oversized := errors.As(err, &tooLarge)
		if err != nil && !oversized {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read webhook body"))
			return
		}

		result, err := reconciler.Handle(ctx, webhooks.Delivery{
			Provider:  provider,
			Body:      body,
			Signature: r.Header.Get(WebhookSignatureHeaders[provider]),
			Oversized: oversized,
		})
		if err != nil {
			if pkgerrors.As(err) == nil {
				err = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reconcile webhook")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, webhookAck{Message: result.Message()})
	}
}
