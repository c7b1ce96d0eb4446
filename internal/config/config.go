package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/welldanyogia/authguard/internal/logger"
	"github.com/welldanyogia/authguard/internal/ratelimit"
)

// Account store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"production"`
	Version     string `env:"APP_VERSION" envDefault:"dev"`

	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	JWT       JWTConfig       `envPrefix:"JWT_"`
	Lockout   LockoutConfig   `envPrefix:"LOCKOUT_"`
	Tokens    TokenConfig     `envPrefix:"TOKEN_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Log       logger.Config
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	// Store selects the account store: postgres or memory
	Store    string `env:"STORE" envDefault:"postgres"`
	URL      string `env:"URL"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD"`
	DBName   string `env:"NAME" envDefault:"authguard"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"10"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// MigrateURL returns a URL form DSN as golang-migrate expects
func (d *DatabaseConfig) MigrateURL() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis configuration. An empty Addr keeps rate limit
// records in process memory.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// JWTConfig holds access token configuration
type JWTConfig struct {
	AccessSecret      string        `env:"ACCESS_SECRET"`
	AccessTokenExpiry time.Duration `env:"ACCESS_EXPIRY" envDefault:"15m"`
	Issuer            string        `env:"ISSUER" envDefault:"authguard"`
}

// LockoutConfig holds account lockout policy
type LockoutConfig struct {
	Threshold int           `env:"THRESHOLD" envDefault:"5"`
	Duration  time.Duration `env:"DURATION" envDefault:"1h"`
}

// TokenConfig holds verification and reset token lifetimes
type TokenConfig struct {
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"48h"`
	ResetTTL        time.Duration `env:"RESET_TTL" envDefault:"24h"`
}

// RateLimitConfig holds the per-endpoint backoff policies
type RateLimitConfig struct {
	LoginBase     time.Duration `env:"LOGIN_BASE" envDefault:"1s"`
	LoginMax      time.Duration `env:"LOGIN_MAX" envDefault:"5m"`
	RegisterBase  time.Duration `env:"REGISTER_BASE" envDefault:"2s"`
	RegisterMax   time.Duration `env:"REGISTER_MAX" envDefault:"15m"`
	VerifyBase    time.Duration `env:"VERIFY_BASE" envDefault:"2s"`
	VerifyMax     time.Duration `env:"VERIFY_MAX" envDefault:"15m"`
	ResetBase     time.Duration `env:"RESET_BASE" envDefault:"2s"`
	ResetMax      time.Duration `env:"RESET_MAX" envDefault:"15m"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// Policies returns the backoff policy per endpoint class
func (r *RateLimitConfig) Policies() map[ratelimit.EndpointClass]ratelimit.Policy {
	return map[ratelimit.EndpointClass]ratelimit.Policy{
		ratelimit.ClassLogin:         {BaseBackoff: r.LoginBase, MaxBackoff: r.LoginMax},
		ratelimit.ClassRegister:      {BaseBackoff: r.RegisterBase, MaxBackoff: r.RegisterMax},
		ratelimit.ClassVerifyEmail:   {BaseBackoff: r.VerifyBase, MaxBackoff: r.VerifyMax},
		ratelimit.ClassPasswordReset: {BaseBackoff: r.ResetBase, MaxBackoff: r.ResetMax},
	}
}

// HTTPConfig holds HTTP edge settings
type HTTPConfig struct {
	// RatePerIP is a ulule/limiter formatted rate ("100-M"). Empty disables.
	RatePerIP          string   `env:"RATE_PER_IP" envDefault:"300-M"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	// TrustedProxies lists proxy CIDRs or IPs whose X-Forwarded-For and
	// X-Real-IP headers are honored. Empty means the peer address is always used.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the service runs in development mode
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be at least 32 characters"))
	}
	if c.Database.Store != StorePostgres && c.Database.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("DB_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Database.Store))
	}
	if c.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must be positive"))
	}

	positive := map[string]time.Duration{
		"JWT_ACCESS_EXPIRY":         c.JWT.AccessTokenExpiry,
		"LOCKOUT_DURATION":          c.Lockout.Duration,
		"TOKEN_VERIFICATION_TTL":    c.Tokens.VerificationTTL,
		"TOKEN_RESET_TTL":           c.Tokens.ResetTTL,
		"RATE_LIMIT_SWEEP_INTERVAL": c.RateLimit.SweepInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	for class, p := range c.RateLimit.Policies() {
		if p.BaseBackoff <= 0 || p.MaxBackoff < p.BaseBackoff {
			errs = append(errs, fmt.Errorf("rate limit policy %s needs 0 < base <= max", class))
		}
	}

	return errors.Join(errs...)
}
