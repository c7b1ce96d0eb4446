package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldanyogia/authguard/internal/ratelimit"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, StorePostgres, cfg.Database.Store)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, time.Hour, cfg.Lockout.Duration)
	assert.Equal(t, 48*time.Hour, cfg.Tokens.VerificationTTL)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.ResetTTL)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenExpiry)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.HTTP.TrustedProxies)
	assert.False(t, cfg.IsDevelopment())

	policies := cfg.RateLimit.Policies()
	assert.Equal(t, ratelimit.Policy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Minute}, policies[ratelimit.ClassLogin])
	assert.Equal(t, ratelimit.Policy{BaseBackoff: 2 * time.Second, MaxBackoff: 15 * time.Minute}, policies[ratelimit.ClassPasswordReset])
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", testSecret)
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_STORE", "memory")
	t.Setenv("LOCKOUT_THRESHOLD", "3")
	t.Setenv("LOCKOUT_DURATION", "30m")
	t.Setenv("RATE_LIMIT_LOGIN_BASE", "500ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("HTTP_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, StoreMemory, cfg.Database.Store)
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.LoginBase)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSAllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.HTTP.TrustedProxies)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing secret", env: map[string]string{}, want: "JWT_ACCESS_SECRET"},
		{name: "short secret", env: map[string]string{"JWT_ACCESS_SECRET": "short"}, want: "JWT_ACCESS_SECRET"},
		{name: "unknown store", env: map[string]string{"JWT_ACCESS_SECRET": testSecret, "DB_STORE": "mongo"}, want: "DB_STORE"},
		{name: "zero threshold", env: map[string]string{"JWT_ACCESS_SECRET": testSecret, "LOCKOUT_THRESHOLD": "0"}, want: "LOCKOUT_THRESHOLD"},
		{name: "negative ttl", env: map[string]string{"JWT_ACCESS_SECRET": testSecret, "TOKEN_RESET_TTL": "-1h"}, want: "TOKEN_RESET_TTL"},
		{name: "base above max", env: map[string]string{"JWT_ACCESS_SECRET": testSecret, "RATE_LIMIT_LOGIN_BASE": "10m"}, want: "login"},
		{name: "unparsable duration", env: map[string]string{"JWT_ACCESS_SECRET": testSecret, "LOCKOUT_DURATION": "forever"}, want: "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_ACCESS_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "authguard", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=authguard sslmode=disable", d.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/authguard?sslmode=disable", d.MigrateURL())

	d.URL = "postgres://x@y/z"
	assert.Equal(t, "postgres://x@y/z", d.DSN())
	assert.Equal(t, "postgres://x@y/z", d.MigrateURL())
}
