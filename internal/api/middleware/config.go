// Package middleware provides HTTP middleware components for Fletcher's API.
package middleware

import (
	"time"

	"github.com/fletcher-data/fletcher/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-service: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without a verified bearer token
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS  int // Default: 100
	ServiceRPS int // Default: 50
	UnAuthRPS  int // Default: 10

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst  int // Default: 0 (computed as 2 × GlobalRPS = 200)
	ServiceBurst int // Default: 0 (computed as 2 × ServiceRPS = 100)
	UnAuthBurst  int // Default: 0 (computed as 2 × UnAuthRPS = 20)

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxServices     int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:  config.GetEnvInt("FLETCHER_GLOBAL_RPS", defaultGlobalRPS),
		ServiceRPS: config.GetEnvInt("FLETCHER_SERVICE_RPS", defaultServiceRPS),
		UnAuthRPS:  config.GetEnvInt("FLETCHER_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst:  config.GetEnvInt("FLETCHER_GLOBAL_BURST", 0),
		ServiceBurst: config.GetEnvInt("FLETCHER_SERVICE_BURST", 0),
		UnAuthBurst:  config.GetEnvInt("FLETCHER_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"FLETCHER_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("FLETCHER_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxServices: config.GetEnvInt("FLETCHER_RATE_LIMIT_MAX_SERVICES", maxServices),
	}
}
