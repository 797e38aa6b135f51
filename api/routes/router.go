package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/bookshop-backend/api/controllers"
	"github.com/angelmondragon/bookshop-backend/api/middleware"
	checkoutsvc "github.com/angelmondragon/bookshop-backend/internal/checkout"
	"github.com/angelmondragon/bookshop-backend/internal/payouts"
	"github.com/angelmondragon/bookshop-backend/internal/webhooks"
	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/bookshop-backend/pkg/redis"
)

type redisStore interface {
	pkgredis.Pinger
	pkgredis.IdempotencyStore
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type idleGate interface {
	Touch(ctx context.Context) bool
}

type checkoutService interface {
	Execute(ctx context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error)
}

type webhookReconciler interface {
	Handle(ctx context.Context, d webhooks.Delivery) (webhooks.Result, error)
}

type payoutTrigger interface {
	Trigger(ctx context.Context, orderID uuid.UUID, externalID string) (*payouts.Outcome, error)
}

// Deps are the collaborators the HTTP surface routes to.
type Deps struct {
	DB         controllers.Pinger
	Redis      redisStore
	Gate       idleGate
	Checkout   checkoutService
	Reconciler webhookReconciler
	Payouts    payoutTrigger
	// Metrics serves /metrics; defaults to the global Prometheus registry.
	Metrics http.Handler
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)
	if deps.Gate != nil {
		r.Use(middleware.IdleWake(deps.Gate))
	}

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.Checkout.RateLimitWindow,
		cfg.Checkout.RateLimitPerIP,
		cfg.Checkout.RateLimitPerEmail,
		"customerEmail",
	)
	idempotencyRules := middleware.DefaultIdempotencyRules(cfg.Checkout.IdempotencyTTL)

	idempotent := middleware.Idempotency(deps.Redis, idempotencyRules, logg)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Redis,
		}))
	})

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(
			middleware.RateLimit(checkoutPolicy, deps.Redis, logg),
			idempotent,
		).Post("/checkout", controllers.Checkout(deps.Checkout, logg))

		r.Post("/webhooks/{provider}", controllers.Webhook(deps.Reconciler, logg))

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminToken(cfg.Admin.Token, logg))
			r.With(idempotent).Post("/payouts/{orderID}", controllers.AdminTriggerPayout(deps.Payouts, logg))
		})
	})

	return r
}
