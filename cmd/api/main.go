package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/bookshop-backend/api/routes"
	"github.com/angelmondragon/bookshop-backend/internal/checkout"
	"github.com/angelmondragon/bookshop-backend/internal/cron"
	"github.com/angelmondragon/bookshop-backend/internal/idle"
	"github.com/angelmondragon/bookshop-backend/internal/inventory"
	"github.com/angelmondragon/bookshop-backend/internal/notifications"
	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/internal/payouts"
	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/internal/webhooks"
	"github.com/angelmondragon/bookshop-backend/pkg/config"
	"github.com/angelmondragon/bookshop-backend/pkg/db"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	"github.com/angelmondragon/bookshop-backend/pkg/instance"
	"github.com/angelmondragon/bookshop-backend/pkg/logger"
	"github.com/angelmondragon/bookshop-backend/pkg/metrics"
	"github.com/angelmondragon/bookshop-backend/pkg/migrate"
	"github.com/angelmondragon/bookshop-backend/pkg/pix"
	"github.com/angelmondragon/bookshop-backend/pkg/pubsub"
	"github.com/angelmondragon/bookshop-backend/pkg/redis"
	"github.com/angelmondragon/bookshop-backend/pkg/square"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sink, closeSink, err := notificationSink(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeSink()) }()
	notifier := notifications.NewNotifier(sink, logg)

	pixClient, err := pix.NewClient(cfg.Pix, logg)
	if err != nil {
		return err
	}
	gateways := []payments.Gateway{payments.NewPixGateway(pixClient, cfg.Webhook.ExtraPaidStatuses)}
	if cfg.Square.Enabled() {
		squareClient, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return err
		}
		gateways = append(gateways, payments.NewCardGateway(squareClient, cfg.Webhook.ExtraPaidStatuses))
	} else {
		logg.Warn(ctx, "square access token not set, card payments disabled")
	}
	paymentRouter := payments.NewRouter(cfg.Gateway.Timeout, gateways...)

	gate := idle.NewGate(cfg.Idle, metrics.NewIdleMetrics(registry), logg)
	ledger := inventory.NewLedger()
	orders := reservations.NewRepository(dbClient.DB())

	checkoutService, err := checkout.NewService(checkout.Params{
		Tx:              dbClient,
		Ledger:          ledger,
		Orders:          orders,
		Gateway:         paymentRouter,
		ReservationTTL:  cfg.Checkout.ReservationTTL,
		MaxInstallments: cfg.Checkout.MaxInstallments,
		Logger:          logg,
	})
	if err != nil {
		return err
	}

	reconciler, err := webhooks.NewReconciler(webhooks.ReconcilerParams{
		Events:   webhooks.NewEventRepository(dbClient.DB()),
		Orders:   orders,
		Statuses: payments.NewMatchers(cfg.Webhook.ExtraPaidStatuses),
		Notifier: notifier,
		Metrics:  metrics.NewWebhookMetrics(registry),
		Paths:    webhooks.DefaultPaths(cfg.Webhook.ExtraCorrelationPaths, cfg.Webhook.ExtraStatusPaths),
		Secrets: map[enums.PaymentMethod]string{
			enums.PaymentMethodPix:  cfg.Pix.WebhookSecret,
			enums.PaymentMethodCard: cfg.Square.WebhookSecret,
		},
		CardPayoutDays: cfg.Payout.CardDays,
		Logger:         logg,
	})
	if err != nil {
		return err
	}

	payoutRepo := payouts.NewRepository(dbClient.DB())
	engine, err := payouts.NewEngine(payouts.EngineParams{
		Repo:            payoutRepo,
		Fees:            payouts.NewConfiguredFees(cfg.Fees),
		Transfers:       payments.NewPixTransferer(pixClient),
		Notifier:        notifier,
		Metrics:         metrics.NewPayoutMetrics(registry),
		MinSendCents:    cfg.Payout.MinSendCents,
		TransferTimeout: cfg.Gateway.Timeout,
		Logger:          logg,
	})
	if err != nil {
		return err
	}

	scheduler, err := buildScheduler(cfg, logg, registry, schedulerDeps{
		db:       dbClient,
		redis:    redisClient,
		gate:     gate,
		orders:   orders,
		ledger:   ledger,
		charges:  paymentRouter,
		notifier: notifier,
		payouts:  payoutRepo,
		engine:   engine,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.App.Port
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.ID(),
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, routes.Deps{
			DB:         dbClient,
			Redis:      redisClient,
			Gate:       gate,
			Checkout:   checkoutService,
			Reconciler: reconciler,
			Payouts:    engine,
			Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info(gctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.App.ShutdownTimeout)
		defer cancel()
		logg.Info(shutdownCtx, "shutting down api server")
		return server.Shutdown(shutdownCtx)
	})
	if scheduler != nil {
		g.Go(func() error {
			logg.Info(gctx, "starting scheduler")
			if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// notificationSink publishes to Pub/Sub when a topic is configured and falls
// back to the structured log otherwise.
func notificationSink(ctx context.Context, cfg *config.Config, logg *logger.Logger) (notifications.Sink, func() error, error) {
	noop := func() error { return nil }
	if !cfg.PubSub.Enabled(cfg.GCP) {
		return notifications.NewLogSink(logg), noop, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return nil, noop, err
	}
	sink, err := notifications.NewPubSubSink(client.NotificationPublisher())
	if err != nil {
		return nil, noop, multierr.Append(err, client.Close())
	}
	return sink, client.Close, nil
}

type schedulerDeps struct {
	db       *db.Client
	redis    *redis.Client
	gate     *idle.Gate
	orders   reservations.Repository
	ledger   *inventory.Ledger
	charges  *payments.Router
	notifier *notifications.Notifier
	payouts  payouts.Repository
	engine   *payouts.Engine
}

// buildScheduler returns nil when scheduling is disabled on this instance.
func buildScheduler(cfg *config.Config, logg *logger.Logger, reg prometheus.Registerer, deps schedulerDeps) (*cron.Service, error) {
	if !cfg.Scheduler.Enabled {
		logg.Info(context.Background(), "scheduler disabled on this instance")
		return nil, nil
	}

	reaper, err := cron.NewReaperJob(cron.ReaperJobParams{
		Logger:    logg,
		DB:        deps.db,
		Orders:    deps.orders,
		Inventory: deps.ledger,
		Charges:   deps.charges,
		Notifier:  deps.notifier,
		Metrics:   metrics.NewReaperMetrics(reg),
		BatchSize: cfg.Reaper.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	payoutJob, err := cron.NewPayoutJob(cron.PayoutJobParams{
		Logger: logg,
		Orders: deps.payouts,
		Engine: deps.engine,
		Delays: []cron.PayoutDelay{
			{Method: enums.PaymentMethodCard, Delay: cfg.Payout.CardDelay()},
			{Method: enums.PaymentMethodPix, Delay: cfg.Payout.PixDelay()},
		},
		BatchSize: cfg.Payout.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	payoutSchedule, err := cron.ParseSchedule(cfg.Payout.Cron)
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	registry.Register(cron.SkipWhenIdle(reaper, deps.gate, logg), cron.Every(cfg.Reaper.Interval))
	registry.Register(cron.SkipWhenIdle(payoutJob, deps.gate, logg), payoutSchedule)
	registry.Register(cron.NewIdleSweepJob(deps.gate), cron.Every(cfg.Idle.SweepInterval))

	lock, err := cron.NewRedisLock(deps.redis, deps.redis.LockPrefix(), cfg.Scheduler.LockTTL)
	if err != nil {
		return nil, err
	}

	return cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
}
