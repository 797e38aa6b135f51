package config

const (
	EnvPrefix = "BOOKSHOP"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "BOOKSHOP_APP_ENV"
	EnvPort     = "BOOKSHOP_APP_PORT"
	EnvLogLevel = "BOOKSHOP_LOG_LEVEL"

	EnvDBDSN    = "BOOKSHOP_DB_DSN"
	EnvDBDriver = "BOOKSHOP_DB_DRIVER"
	EnvDBHost   = "BOOKSHOP_DB_HOST"
	EnvDBUser   = "BOOKSHOP_DB_USER"
	EnvDBName   = "BOOKSHOP_DB_NAME"

	EnvRedisURL = "BOOKSHOP_REDIS_URL"

	EnvReservationTTL = "BOOKSHOP_CHECKOUT_RESERVATION_TTL"
	EnvReaperInterval = "BOOKSHOP_REAPER_INTERVAL"

	EnvPayoutCron         = "BOOKSHOP_PAYOUT_CRON"
	EnvPayoutCardDays     = "BOOKSHOP_PAYOUT_CARD_DAYS"
	EnvPayoutPixDays      = "BOOKSHOP_PAYOUT_PIX_DAYS"
	EnvPayoutBatchSize    = "BOOKSHOP_PAYOUT_BATCH_SIZE"
	EnvPayoutMinSendCents = "BOOKSHOP_PAYOUT_MIN_SEND_CENTS"

	EnvFeeCardTiers      = "BOOKSHOP_FEE_CARD_TIERS"
	EnvFeePixPercent     = "BOOKSHOP_FEE_PIX_PERCENT"
	EnvFeeIncludeGateway = "BOOKSHOP_FEE_INCLUDE_GATEWAY"

	EnvIdleEnabled = "BOOKSHOP_IDLE_ENABLED"
	EnvIdleTimeout = "BOOKSHOP_IDLE_TIMEOUT"

	EnvWebhookCorrelationPaths = "BOOKSHOP_WEBHOOK_EXTRA_CORRELATION_PATHS"
	EnvWebhookStatusPaths      = "BOOKSHOP_WEBHOOK_EXTRA_STATUS_PATHS"
	EnvWebhookPaidStatuses     = "BOOKSHOP_WEBHOOK_EXTRA_PAID_STATUSES"

	EnvPixBaseURL = "BOOKSHOP_PIX_BASE_URL"
	EnvPixKey     = "BOOKSHOP_PIX_RECEIVER_KEY"

	EnvSquareAccessToken = "BOOKSHOP_SQUARE_ACCESS_TOKEN"
	EnvSquareLocationID  = "BOOKSHOP_SQUARE_LOCATION_ID"

	EnvGCPProjectID        = "BOOKSHOP_GCP_PROJECT_ID"
	EnvPubSubNotifications = "BOOKSHOP_PUBSUB_NOTIFICATION_TOPIC"

	EnvAdminToken = "BOOKSHOP_ADMIN_TOKEN"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
