package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DatabaseURL       string
	OperatorJWTSecret string
	GeoIPDBPath       string

	GatewayMerchantID              string
	GatewaySecretKey               string
	GatewayBaseURL                 string
	GatewayAltBaseURLs             []string
	GatewayTestMode                bool
	GatewayTimeout                 time.Duration
	GatewayResultURL               string
	GatewayReturnURL               string
	GatewayCurrency                string
	GatewayRecurringLifetimeMonths int
	GatewayLifetime                time.Duration

	BillingTimezone string
	BillingLocation *time.Location
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepWorkers    int
	SweepClaimTTL   time.Duration

	RecurringRetryDelay    time.Duration
	RecurringRetryMax      int
	TransientRetryBase     time.Duration
	TransientRetryMaxTries int
	InteractiveRetryBudget time.Duration

	CRMBaseURL         string
	CRMAPIToken        string
	CRMQueueURL        string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		OperatorJWTSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),

		GatewayMerchantID:              strings.TrimSpace(os.Getenv("GATEWAY_MERCHANT_ID")),
		GatewaySecretKey:               os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayBaseURL:                 getEnv("GATEWAY_BASE_URL", "https://api.freedompay.kg"),
		GatewayAltBaseURLs:             getEnvList("GATEWAY_ALT_BASE_URLS", []string{"https://api.freedompay.kz"}),
		GatewayTestMode:                getEnvBool("GATEWAY_TEST_MODE", true),
		GatewayTimeout:                 getEnvSeconds("GATEWAY_TIMEOUT_SECONDS", 30),
		GatewayResultURL:               os.Getenv("GATEWAY_RESULT_URL"),
		GatewayReturnURL:               os.Getenv("GATEWAY_RETURN_URL"),
		GatewayCurrency:                getEnv("GATEWAY_DEFAULT_CURRENCY", "KGS"),
		GatewayRecurringLifetimeMonths: getEnvInt("GATEWAY_RECURRING_LIFETIME_MONTHS", 12),
		GatewayLifetime:                getEnvSeconds("GATEWAY_LIFETIME_SECONDS", 86400),

		BillingTimezone: getEnv("BILLING_TIMEZONE", "Asia/Bishkek"),
		SweepInterval:   getEnvSeconds("SWEEP_INTERVAL_SECONDS", 300),
		SweepBatchSize:  getEnvInt("SWEEP_BATCH_SIZE", 50),
		SweepWorkers:    getEnvInt("SWEEP_WORKERS", 4),
		SweepClaimTTL:   getEnvSeconds("SWEEP_CLAIM_TTL_SECONDS", 900),

		RecurringRetryDelay:    time.Hour * time.Duration(getEnvInt("RECURRING_RETRY_DELAY_HOURS", 72)),
		RecurringRetryMax:      getEnvInt("RECURRING_RETRY_MAX", 2),
		TransientRetryBase:     getEnvSeconds("TRANSIENT_RETRY_BASE_SECONDS", 60),
		TransientRetryMaxTries: getEnvInt("TRANSIENT_RETRY_MAX_TRIES", 3),
		InteractiveRetryBudget: getEnvSeconds("INTERACTIVE_RETRY_BUDGET_SECONDS", 15),

		CRMBaseURL:         os.Getenv("CRM_BASE_URL"),
		CRMAPIToken:        os.Getenv("CRM_API_TOKEN"),
		CRMQueueURL:        os.Getenv("CRM_QUEUE_URL"),
		AWSRegion:          os.Getenv("AWS_REGION"),
		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),

		HTTPReadTimeout:  getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout: getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 30),
		HTTPIdleTimeout:  getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GatewayMerchantID == "" {
		return nil, fmt.Errorf("GATEWAY_MERCHANT_ID is required")
	}
	if cfg.GatewaySecretKey == "" {
		return nil, fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}

	loc, err := time.LoadLocation(cfg.BillingTimezone)
	if err != nil {
		return nil, fmt.Errorf("BILLING_TIMEZONE %q: %w", cfg.BillingTimezone, err)
	}
	cfg.BillingLocation = loc

	return cfg, nil
}

// RequireOperatorSecret reports a configuration error for processes that
// expose operator endpoints.
func (c *Config) RequireOperatorSecret() error {
	if strings.TrimSpace(c.OperatorJWTSecret) == "" {
		return fmt.Errorf("OPERATOR_JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getEnvInt(key, fallback))
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
