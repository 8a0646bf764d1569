package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file.
// No business logic should read raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Rabbit     RabbitConfig
	Mongo      MongoConfig
	Settlement SettlementConfig
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

	// SSLMode accepts: disable, require, verify-ca, verify-full.
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// RabbitConfig is optional; an empty URL disables event publishing.
type RabbitConfig struct {
	URL      string
	Exchange string
}

// MongoConfig is optional; an empty URI keeps audit events in memory.
type MongoConfig struct {
	URI      string
	Database string
}

// SettlementConfig carries engine tuning plus the policy applied to tenants
// that never saved their own settings.
type SettlementConfig struct {
	DefaultGiftPercentage   int
	DefaultCreditExpiryDays int
	WalletEnabledByDefault  bool

	// LockBackend is "memory" (single instance) or "redis" (horizontally scaled).
	LockBackend string
	LockTTL     time.Duration
	LockWait    time.Duration
	MaxRetries  int

	PolicyCacheTTL time.Duration
}

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = requiredInt(parseErrs, "APP_PORT")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = requiredInt(parseErrs, "DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = requiredInt(parseErrs, "REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Rabbit.URL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	c.Rabbit.Exchange = strings.TrimSpace(os.Getenv("RABBITMQ_EXCHANGE"))

	c.Mongo.URI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	c.Mongo.Database = strings.TrimSpace(os.Getenv("MONGO_DATABASE"))

	c.Settlement.DefaultGiftPercentage, parseErrs = optionalInt(parseErrs, "SETTLEMENT_GIFT_PERCENTAGE", 10)
	c.Settlement.DefaultCreditExpiryDays, parseErrs = optionalInt(parseErrs, "SETTLEMENT_CREDIT_EXPIRY_DAYS", 365)
	c.Settlement.WalletEnabledByDefault, parseErrs = optionalBool(parseErrs, "SETTLEMENT_WALLET_ENABLED_BY_DEFAULT", true)
	c.Settlement.LockBackend = strings.TrimSpace(os.Getenv("SETTLEMENT_LOCK_BACKEND"))
	c.Settlement.LockTTL, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_LOCK_TTL")
	c.Settlement.LockWait, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_LOCK_WAIT")
	c.Settlement.MaxRetries, parseErrs = optionalInt(parseErrs, "SETTLEMENT_MAX_RETRIES", 3)
	c.Settlement.PolicyCacheTTL, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_POLICY_CACHE_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
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
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
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
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Rabbit.URL != "" && c.Rabbit.Exchange == "" {
		c.Rabbit.Exchange = "loyalty_events"
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		c.Mongo.Database = "salon_loyalty_audit"
	}

	errs = append(errs, c.Settlement.validate()...)

	return joinErrors(errs)
}

func (s *SettlementConfig) validate() []error {
	var errs []error
	if s.DefaultGiftPercentage < 0 || s.DefaultGiftPercentage > 100 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_GIFT_PERCENTAGE must be within 0..100, got %d", s.DefaultGiftPercentage))
	}
	if s.DefaultCreditExpiryDays < 1 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_CREDIT_EXPIRY_DAYS must be >= 1, got %d", s.DefaultCreditExpiryDays))
	}
	switch s.LockBackend {
	case "":
		s.LockBackend = LockBackendMemory
	case LockBackendMemory, LockBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("SETTLEMENT_LOCK_BACKEND must be memory or redis, got %q", s.LockBackend))
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 10 * time.Second
	}
	if s.LockWait <= 0 {
		s.LockWait = 3 * time.Second
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_MAX_RETRIES must be >= 0, got %d", s.MaxRetries))
	}
	if s.PolicyCacheTTL <= 0 {
		s.PolicyCacheTTL = time.Minute
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Never log this string; it contains secrets.
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

func requiredInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

// optionalDuration returns 0 for unset keys; Validate applies defaults.
func optionalDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
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
