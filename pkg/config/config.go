package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Checkout     CheckoutConfig
	Reaper       ReaperConfig
	Payout       PayoutConfig
	Fees         FeesConfig
	Idle         IdleConfig
	Scheduler    SchedulerConfig
	Webhook      WebhookConfig
	Gateway      GatewayConfig
	Pix          PixConfig
	Square       SquareConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Admin        AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payout.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Fees.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env             string        `envconfig:"BOOKSHOP_APP_ENV" required:"true"`
	Port            string        `envconfig:"BOOKSHOP_APP_PORT" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"BOOKSHOP_APP_SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"BOOKSHOP_LOG_LEVEL" default:"info"`
	LogWarnStack    bool          `envconfig:"BOOKSHOP_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"BOOKSHOP_DB_DSN"`
	Driver string `envconfig:"BOOKSHOP_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BOOKSHOP_DB_HOST"`
	LegacyPort     int    `envconfig:"BOOKSHOP_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BOOKSHOP_DB_USER"`
	LegacyPassword string `envconfig:"BOOKSHOP_DB_PASSWORD"`
	LegacyName     string `envconfig:"BOOKSHOP_DB_NAME"`
	LegacySSLMode  string `envconfig:"BOOKSHOP_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BOOKSHOP_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BOOKSHOP_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BOOKSHOP_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BOOKSHOP_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the embedded sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), "sqlite")
}

type RedisConfig struct {
	URL          string        `envconfig:"BOOKSHOP_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BOOKSHOP_REDIS_ADDR"`
	Password     string        `envconfig:"BOOKSHOP_REDIS_PASSWORD"`
	DB           int           `envconfig:"BOOKSHOP_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BOOKSHOP_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BOOKSHOP_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BOOKSHOP_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BOOKSHOP_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BOOKSHOP_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BOOKSHOP_AUTO_MIGRATE" default:"false"`
}

type CheckoutConfig struct {
	ReservationTTL  time.Duration `envconfig:"BOOKSHOP_CHECKOUT_RESERVATION_TTL" default:"15m"`
	MaxInstallments int           `envconfig:"BOOKSHOP_CHECKOUT_MAX_INSTALLMENTS" default:"12"`
	IdempotencyTTL  time.Duration `envconfig:"BOOKSHOP_CHECKOUT_IDEMPOTENCY_TTL" default:"168h"`

	RateLimitWindow   time.Duration `envconfig:"BOOKSHOP_CHECKOUT_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitPerIP    int           `envconfig:"BOOKSHOP_CHECKOUT_RATE_LIMIT_IP" default:"30"`
	RateLimitPerEmail int           `envconfig:"BOOKSHOP_CHECKOUT_RATE_LIMIT_EMAIL" default:"10"`
}

type ReaperConfig struct {
	Interval  time.Duration `envconfig:"BOOKSHOP_REAPER_INTERVAL" default:"60s"`
	BatchSize int           `envconfig:"BOOKSHOP_REAPER_BATCH_SIZE" default:"100"`
}

type PayoutConfig struct {
	Cron         string `envconfig:"BOOKSHOP_PAYOUT_CRON" default:"0 3 * * *"`
	BatchSize    int    `envconfig:"BOOKSHOP_PAYOUT_BATCH_SIZE" default:"50"`
	CardDays     int    `envconfig:"BOOKSHOP_PAYOUT_CARD_DAYS" default:"32"`
	PixDays      int    `envconfig:"BOOKSHOP_PAYOUT_PIX_DAYS" default:"1"`
	MinSendCents int64  `envconfig:"BOOKSHOP_PAYOUT_MIN_SEND_CENTS" default:"100"`
}

// CardDelay is the compliance window before card orders become eligible.
func (p PayoutConfig) CardDelay() time.Duration {
	return time.Duration(p.CardDays) * 24 * time.Hour
}

// PixDelay is the compliance window before PIX orders become eligible.
func (p PayoutConfig) PixDelay() time.Duration {
	return time.Duration(p.PixDays) * 24 * time.Hour
}

func (p PayoutConfig) validate() error {
	if _, err := cron.ParseStandard(p.Cron); err != nil {
		return fmt.Errorf("invalid %s %q: %w", EnvPayoutCron, p.Cron, err)
	}
	if p.CardDays < 0 || p.PixDays < 0 {
		return fmt.Errorf("payout delays must not be negative")
	}
	if p.MinSendCents < 0 {
		return fmt.Errorf("%s must not be negative", EnvPayoutMinSendCents)
	}
	return nil
}

// FeesConfig holds the provider fee and platform margin knobs used to derive
// the net payout. Percentages are expressed in percent (4.98 means 4.98%).
type FeesConfig struct {
	IncludeGatewayFee bool `envconfig:"BOOKSHOP_FEE_INCLUDE_GATEWAY" default:"true"`

	PixPercent    decimal.Decimal `envconfig:"BOOKSHOP_FEE_PIX_PERCENT" default:"0.99"`
	PixFixedCents int64           `envconfig:"BOOKSHOP_FEE_PIX_FIXED_CENTS" default:"0"`

	CardTiers      InstallmentTiers `envconfig:"BOOKSHOP_FEE_CARD_TIERS" default:"1=4.98;2-6=5.58;7-12=6.18"`
	CardFixedCents int64            `envconfig:"BOOKSHOP_FEE_CARD_FIXED_CENTS" default:"0"`

	PixMarginPercent     decimal.Decimal `envconfig:"BOOKSHOP_MARGIN_PIX_PERCENT" default:"0"`
	PixMarginFixedCents  int64           `envconfig:"BOOKSHOP_MARGIN_PIX_FIXED_CENTS" default:"0"`
	CardMarginPercent    decimal.Decimal `envconfig:"BOOKSHOP_MARGIN_CARD_PERCENT" default:"0"`
	CardMarginFixedCents int64           `envconfig:"BOOKSHOP_MARGIN_CARD_FIXED_CENTS" default:"0"`
}

func (f FeesConfig) validate() error {
	if len(f.CardTiers) == 0 {
		return fmt.Errorf("%s requires at least one tier", EnvFeeCardTiers)
	}
	if _, ok := f.CardTiers.PercentFor(1); !ok {
		return fmt.Errorf("%s must cover single installment payments", EnvFeeCardTiers)
	}
	for _, pct := range []decimal.Decimal{f.PixPercent, f.PixMarginPercent, f.CardMarginPercent} {
		if pct.IsNegative() {
			return fmt.Errorf("fee percentages must not be negative")
		}
	}
	return nil
}

type IdleConfig struct {
	Enabled       bool          `envconfig:"BOOKSHOP_IDLE_ENABLED" default:"false"`
	Timeout       time.Duration `envconfig:"BOOKSHOP_IDLE_TIMEOUT" default:"15m"`
	WakeOnRequest bool          `envconfig:"BOOKSHOP_IDLE_WAKE_ON_REQUEST" default:"true"`
	StartIdle     bool          `envconfig:"BOOKSHOP_IDLE_START_IDLE" default:"false"`
	SweepInterval time.Duration `envconfig:"BOOKSHOP_IDLE_SWEEP_INTERVAL" default:"60s"`
}

type SchedulerConfig struct {
	Enabled bool          `envconfig:"BOOKSHOP_SCHEDULER_ENABLED" default:"true"`
	LockTTL time.Duration `envconfig:"BOOKSHOP_SCHEDULER_LOCK_TTL" default:"10m"`
}

type WebhookConfig struct {
	ExtraCorrelationPaths []string `envconfig:"BOOKSHOP_WEBHOOK_EXTRA_CORRELATION_PATHS"`
	ExtraStatusPaths      []string `envconfig:"BOOKSHOP_WEBHOOK_EXTRA_STATUS_PATHS"`
	ExtraPaidStatuses     []string `envconfig:"BOOKSHOP_WEBHOOK_EXTRA_PAID_STATUSES"`
}

type GatewayConfig struct {
	Timeout time.Duration `envconfig:"BOOKSHOP_GATEWAY_TIMEOUT" default:"10s"`
}

type PixConfig struct {
	BaseURL       string        `envconfig:"BOOKSHOP_PIX_BASE_URL" required:"true"`
	ClientID      string        `envconfig:"BOOKSHOP_PIX_CLIENT_ID"`
	ClientSecret  string        `envconfig:"BOOKSHOP_PIX_CLIENT_SECRET"`
	ReceiverKey   string        `envconfig:"BOOKSHOP_PIX_RECEIVER_KEY"`
	WebhookSecret string        `envconfig:"BOOKSHOP_PIX_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"BOOKSHOP_PIX_HTTP_TIMEOUT" default:"15s"`
}

type SquareConfig struct {
	AccessToken   string `envconfig:"BOOKSHOP_SQUARE_ACCESS_TOKEN"`
	Env           string `envconfig:"BOOKSHOP_SQUARE_ENV" default:"sandbox"`
	LocationID    string `envconfig:"BOOKSHOP_SQUARE_LOCATION_ID"`
	WebhookSecret string `envconfig:"BOOKSHOP_SQUARE_WEBHOOK_SECRET"`
	Currency      string `envconfig:"BOOKSHOP_SQUARE_CURRENCY" default:"BRL"`
}

// Enabled reports whether card payments can be processed.
func (s SquareConfig) Enabled() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type GCPConfig struct {
	ProjectID string `envconfig:"BOOKSHOP_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"BOOKSHOP_PUBSUB_NOTIFICATION_TOPIC"`
}

// Enabled reports whether notifications should be published to Pub/Sub.
func (p PubSubConfig) Enabled(gcp GCPConfig) bool {
	return strings.TrimSpace(p.NotificationTopic) != "" && strings.TrimSpace(gcp.ProjectID) != ""
}

type AdminConfig struct {
	Token string `envconfig:"BOOKSHOP_ADMIN_TOKEN"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		db.DSN = "file:bookshop.db?_busy_timeout=5000"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
