package controllers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/bookshop-backend/api/responses"
	"github.com/angelmondragon/bookshop-backend/api/validators"
	"github.com/angelmondragon/bookshop-backend/internal/payouts"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

type payoutTrigger interface {
	Trigger(ctx context.Context, orderID uuid.UUID, externalID string) (*payouts.Outcome, error)
}

type adminPayoutRequest struct {
	ExternalID string `json:"externalId,omitempty" validate:"omitempty,max=128"`
}

// AdminTriggerPayout settles one order on demand through the same engine the
// scheduler uses. The body is optional; without an externalId one is derived
// from the request id.
func AdminTriggerPayout(engine payoutTrigger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if engine == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payout engine unavailable"))
			return
		}

		orderID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "orderID")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}

		var payload adminPayoutRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(w, r, &payload); err != nil && !isEmptyBody(err) {
				responses.WriteError(ctx, logg, w, err)
				return
			}
		}
		externalID := strings.TrimSpace(payload.ExternalID)
		if externalID == "" {
			externalID = "manual-" + manualSuffix(w, orderID)
		}

		outcome, err := engine.Trigger(ctx, orderID, externalID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, outcome)
	}
}

func isEmptyBody(err error) bool {
	typed := pkgerrors.As(err)
	return typed != nil && typed.Unwrap() == io.EOF
}

func manualSuffix(w http.ResponseWriter, orderID uuid.UUID) string {
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
		return reqID
	}
	return orderID.String()[:8]
}
