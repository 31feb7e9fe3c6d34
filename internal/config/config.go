package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT" validate:"required"`
	Env         string `mapstructure:"ENV" validate:"oneof=development staging production test"`
	LogLevel    string `mapstructure:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`
	AMQPQueue   string `mapstructure:"AMQP_QUEUE"`

	ExchangeBaseURL         string        `mapstructure:"EXCHANGE_BASE_URL" validate:"required,url"`
	ExchangeTimeout         time.Duration `mapstructure:"EXCHANGE_TIMEOUT" validate:"gt=0"`
	ExchangeRPS             float64       `mapstructure:"EXCHANGE_RPS" validate:"gt=0"`
	ExchangeBurst           int           `mapstructure:"EXCHANGE_BURST" validate:"gte=1"`
	ExchangeProviderLicense string        `mapstructure:"EXCHANGE_PROVIDER_LICENSE"`
	ExchangeOrganizationID  string        `mapstructure:"EXCHANGE_ORGANIZATION_ID"`
	ExchangeProviderID      string        `mapstructure:"EXCHANGE_PROVIDER_ID"`
	ExchangeClientSecret    string        `mapstructure:"EXCHANGE_CLIENT_SECRET"`
	TLSCertFile             string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile              string        `mapstructure:"TLS_KEY_FILE"`
	CredentialTTL           time.Duration `mapstructure:"CREDENTIAL_TTL" validate:"gt=0"`

	WorkerPoolSize   int           `mapstructure:"WORKER_POOL_SIZE" validate:"gte=1"`
	LockTTL          time.Duration `mapstructure:"LOCK_TTL" validate:"gt=0"`
	ResubmitInterval time.Duration `mapstructure:"RESUBMIT_INTERVAL" validate:"gt=0"`
	ResubmitBatch    int           `mapstructure:"RESUBMIT_BATCH" validate:"gte=1"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS" validate:"gte=1"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY" validate:"gt=0"`
	RetryMultiplier  float64       `mapstructure:"RETRY_MULTIPLIER" validate:"gte=1"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY" validate:"gtefield=RetryBaseDelay"`
	RetryJitter      float64       `mapstructure:"RETRY_JITTER" validate:"gte=0,lte=1"`

	PollInitialDelay time.Duration `mapstructure:"POLL_INITIAL_DELAY" validate:"gte=0"`
	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL" validate:"gt=0"`
	PollMaxWindow    time.Duration `mapstructure:"POLL_MAX_WINDOW" validate:"gt=0"`
	PollMaxAttempts  int           `mapstructure:"POLL_MAX_ATTEMPTS" validate:"gte=1"`

	ValidationPassThreshold  float64 `mapstructure:"VALIDATION_PASS_THRESHOLD" validate:"gte=0,lte=100"`
	ValidationWarnThreshold  float64 `mapstructure:"VALIDATION_WARN_THRESHOLD" validate:"gte=0,ltefield=ValidationPassThreshold"`
	ValidationWeightComplete float64 `mapstructure:"VALIDATION_WEIGHT_COMPLETENESS" validate:"gte=0"`
	ValidationWeightEncoding float64 `mapstructure:"VALIDATION_WEIGHT_ENCODING" validate:"gte=0"`
	ValidationWeightBusiness float64 `mapstructure:"VALIDATION_WEIGHT_BUSINESS" validate:"gte=0"`
	ValidationRulesFile      string  `mapstructure:"VALIDATION_RULES_FILE"`
	ReasonCodesFile          string  `mapstructure:"REASON_CODES_FILE"`
	FilingWindowDays         int     `mapstructure:"FILING_WINDOW_DAYS" validate:"gte=1"`

	BundleTimezone string `mapstructure:"BUNDLE_TIMEZONE" validate:"required"`
	BundleBaseURL  string `mapstructure:"BUNDLE_BASE_URL" validate:"required,url"`
	ProfileVersion string `mapstructure:"PROFILE_VERSION" validate:"required"`
}

var defaults = map[string]interface{}{
	"PORT":                           "8000",
	"ENV":                            "development",
	"LOG_LEVEL":                      "info",
	"DB_MAX_CONNS":                   20,
	"DB_MIN_CONNS":                   5,
	"EXCHANGE_BASE_URL":              "http://localhost:9090/fhir",
	"EXCHANGE_TIMEOUT":               "30s",
	"EXCHANGE_RPS":                   20,
	"EXCHANGE_BURST":                 40,
	"CREDENTIAL_TTL":                 "1h",
	"AMQP_QUEUE":                     "claimgate.notifications",
	"WORKER_POOL_SIZE":               16,
	"LOCK_TTL":                       "10m",
	"RESUBMIT_INTERVAL":              "5m",
	"RESUBMIT_BATCH":                 50,
	"RETRY_MAX_ATTEMPTS":             5,
	"RETRY_BASE_DELAY":               "500ms",
	"RETRY_MULTIPLIER":               2.0,
	"RETRY_MAX_DELAY":                "30s",
	"RETRY_JITTER":                   0.2,
	"POLL_INITIAL_DELAY":             "30s",
	"POLL_INTERVAL":                  "1m",
	"POLL_MAX_WINDOW":                "24h",
	"POLL_MAX_ATTEMPTS":              120,
	"VALIDATION_PASS_THRESHOLD":      90.0,
	"VALIDATION_WARN_THRESHOLD":      70.0,
	"VALIDATION_WEIGHT_COMPLETENESS": 1.0,
	"VALIDATION_WEIGHT_ENCODING":     1.0,
	"VALIDATION_WEIGHT_BUSINESS":     1.0,
	"FILING_WINDOW_DAYS":             90,
	"BUNDLE_TIMEZONE":                "Asia/Riyadh",
	"BUNDLE_BASE_URL":                "https://claimgate.local/fhir",
	"PROFILE_VERSION":                "1.0.0",
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AMQP_QUEUE",
	"EXCHANGE_BASE_URL", "EXCHANGE_TIMEOUT", "EXCHANGE_RPS", "EXCHANGE_BURST",
	"EXCHANGE_PROVIDER_LICENSE", "EXCHANGE_ORGANIZATION_ID", "EXCHANGE_PROVIDER_ID",
	"EXCHANGE_CLIENT_SECRET", "TLS_CERT_FILE", "TLS_KEY_FILE", "CREDENTIAL_TTL",
	"WORKER_POOL_SIZE", "LOCK_TTL", "RESUBMIT_INTERVAL", "RESUBMIT_BATCH",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MULTIPLIER", "RETRY_MAX_DELAY", "RETRY_JITTER",
	"POLL_INITIAL_DELAY", "POLL_INTERVAL", "POLL_MAX_WINDOW", "POLL_MAX_ATTEMPTS",
	"VALIDATION_PASS_THRESHOLD", "VALIDATION_WARN_THRESHOLD",
	"VALIDATION_WEIGHT_COMPLETENESS", "VALIDATION_WEIGHT_ENCODING", "VALIDATION_WEIGHT_BUSINESS",
	"VALIDATION_RULES_FILE", "REASON_CODES_FILE", "FILING_WINDOW_DAYS",
	"BUNDLE_TIMEZONE", "BUNDLE_BASE_URL", "PROFILE_VERSION",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers run Validate before starting work.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// InMemory reports whether storage runs without PostgreSQL.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

// Location resolves BUNDLE_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BundleTimezone)
	if err != nil {
		return nil, fmt.Errorf("BUNDLE_TIMEZONE %q: %w", c.BundleTimezone, err)
	}
	return loc, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.ValidationWeightComplete+c.ValidationWeightEncoding+c.ValidationWeightBusiness <= 0 {
		return fmt.Errorf("at least one VALIDATION_WEIGHT_* must be positive")
	}
	if c.IsProduction() {
		if c.InMemory() {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ExchangeClientSecret == "" {
			return fmt.Errorf("EXCHANGE_CLIENT_SECRET is required in production")
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
