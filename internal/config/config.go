package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Carrier    CarrierConfig
	Dialer     DialerConfig
	Compliance ComplianceConfig
	Retry      RetryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CarrierConfig covers the outbound call-control API and its webhook callbacks.
type CarrierConfig struct {
	BaseURL   string
	AccountID string
	APIKey    string

	// WebhookSecret is the shared key material for webhook signature checks.
	// The verification algorithm lives in internal/telephony; rotating keys
	// only requires updating this value.
	WebhookSecret string

	HTTPTimeout time.Duration
}

// DialerConfig bounds pacing behavior. Per-campaign settings override these
// defaults; the bounds here are hard limits regardless of campaign config.
type DialerConfig struct {
	DefaultConcurrency int

	// MinPacingRatio / MaxPacingRatio clamp the dials-per-available-agent
	// ratio for both fixed and progressive modes.
	MinPacingRatio float64
	MaxPacingRatio float64

	// AnswerRateWindow is the trailing window used by progressive pacing.
	AnswerRateWindow time.Duration

	// SlotTTL bounds the redis fast-gate reservation so a crashed process
	// cannot leak budget forever. The durable slot row stays authoritative.
	SlotTTL time.Duration

	// StaleCallThreshold flags non-terminal calls with no webhook activity.
	StaleCallThreshold time.Duration
}

type ComplianceConfig struct {
	// FrequencyCapWindow and FrequencyCapMax bound contact attempts per target.
	FrequencyCapWindow time.Duration
	FrequencyCapMax    int

	// CallingWindowStart/End are local-time hours (0-23) in the target's zone.
	CallingWindowStart int
	CallingWindowEnd   int
}

type RetryConfig struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	BatchSize    int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Carrier.BaseURL = strings.TrimSpace(os.Getenv("CARRIER_BASE_URL"))
	c.Carrier.AccountID = strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_ID"))
	c.Carrier.APIKey = os.Getenv("CARRIER_API_KEY")
	c.Carrier.WebhookSecret = os.Getenv("CARRIER_WEBHOOK_SECRET")
	c.Carrier.HTTPTimeout = mustDuration("CARRIER_HTTP_TIMEOUT")

	c.Dialer.DefaultConcurrency = optionalInt("DIALER_DEFAULT_CONCURRENCY")
	c.Dialer.MinPacingRatio = optionalFloat("DIALER_MIN_PACING_RATIO")
	c.Dialer.MaxPacingRatio = optionalFloat("DIALER_MAX_PACING_RATIO")
	c.Dialer.AnswerRateWindow = mustDuration("DIALER_ANSWER_RATE_WINDOW")
	c.Dialer.SlotTTL = mustDuration("DIALER_SLOT_TTL")
	c.Dialer.StaleCallThreshold = mustDuration("DIALER_STALE_CALL_THRESHOLD")

	c.Compliance.FrequencyCapWindow = mustDuration("COMPLIANCE_FREQUENCY_CAP_WINDOW")
	c.Compliance.FrequencyCapMax = optionalInt("COMPLIANCE_FREQUENCY_CAP_MAX")
	c.Compliance.CallingWindowStart = optionalInt("COMPLIANCE_CALLING_WINDOW_START")
	c.Compliance.CallingWindowEnd = optionalInt("COMPLIANCE_CALLING_WINDOW_END")

	c.Retry.MaxAttempts = optionalInt("RETRY_MAX_ATTEMPTS")
	c.Retry.BaseBackoff = mustDuration("RETRY_BASE_BACKOFF")
	c.Retry.MaxBackoff = mustDuration("RETRY_MAX_BACKOFF")
	c.Retry.PollInterval = mustDuration("RETRY_POLL_INTERVAL")
	c.Retry.BatchSize = optionalInt("RETRY_BATCH_SIZE")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Carrier.BaseURL == "" {
		errs = append(errs, errors.New("CARRIER_BASE_URL is required"))
	}
	if c.Carrier.AccountID == "" {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_ID is required"))
	}
	if c.Carrier.WebhookSecret == "" {
		// Unsigned webhooks would let anyone mutate call state. Hard requirement.
		errs = append(errs, errors.New("CARRIER_WEBHOOK_SECRET is required"))
	}
	if c.Carrier.HTTPTimeout <= 0 {
		c.Carrier.HTTPTimeout = 10 * time.Second
	}

	if c.Dialer.DefaultConcurrency <= 0 {
		c.Dialer.DefaultConcurrency = 3
	}
	if c.Dialer.MinPacingRatio <= 0 {
		c.Dialer.MinPacingRatio = 1.0
	}
	if c.Dialer.MaxPacingRatio <= 0 {
		c.Dialer.MaxPacingRatio = 3.0
	}
	if c.Dialer.MaxPacingRatio < c.Dialer.MinPacingRatio {
		errs = append(errs, errors.New("DIALER_MAX_PACING_RATIO must be >= DIALER_MIN_PACING_RATIO"))
	}
	if c.Dialer.AnswerRateWindow <= 0 {
		c.Dialer.AnswerRateWindow = 15 * time.Minute
	}
	if c.Dialer.SlotTTL <= 0 {
		c.Dialer.SlotTTL = 10 * time.Minute
	}
	if c.Dialer.StaleCallThreshold <= 0 {
		c.Dialer.StaleCallThreshold = 30 * time.Minute
	}

	if c.Compliance.FrequencyCapWindow <= 0 {
		c.Compliance.FrequencyCapWindow = 7 * 24 * time.Hour
	}
	if c.Compliance.FrequencyCapMax <= 0 {
		c.Compliance.FrequencyCapMax = 7
	}
	if c.Compliance.CallingWindowStart <= 0 {
		c.Compliance.CallingWindowStart = 8
	}
	if c.Compliance.CallingWindowEnd <= 0 {
		c.Compliance.CallingWindowEnd = 21
	}
	if c.Compliance.CallingWindowStart > 23 || c.Compliance.CallingWindowEnd > 23 {
		errs = append(errs, errors.New("COMPLIANCE_CALLING_WINDOW_START/END must be hours 0-23"))
	} else if c.Compliance.CallingWindowEnd <= c.Compliance.CallingWindowStart {
		errs = append(errs, errors.New("COMPLIANCE_CALLING_WINDOW_END must be after COMPLIANCE_CALLING_WINDOW_START"))
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = 30 * time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 30 * time.Minute
	}
	if c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		errs = append(errs, errors.New("RETRY_MAX_BACKOFF must be >= RETRY_BASE_BACKOFF"))
	}
	if c.Retry.PollInterval <= 0 {
		c.Retry.PollInterval = 15 * time.Second
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 50
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optionalFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
