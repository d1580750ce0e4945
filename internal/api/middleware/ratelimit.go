// Package middleware provides HTTP middleware components for Fletcher's API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxServices                int     = 100
	defaultGlobalRPS           int     = 100
	defaultServiceRPS          int     = 50
	defaultUnAuthRPS           int     = 10
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores (multi-node deployment). The interface enables
	// zero-downtime migration from in-memory to a distributed limiter.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For authenticated requests, serviceID identifies the remote service
		// (the `sub` claim of its bearer token). For unauthenticated requests,
		// serviceID is empty string.
		Allow(serviceID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-service limit (applied to authenticated requests)
	// 3. Unauthenticated limit (applied to requests without a service identity)
	//
	// Uses token bucket algorithm with configurable burst capacity. Memory
	// cleanup runs periodically to prevent unbounded growth; services idle
	// longer than IdleTimeout are removed.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perService      map[string]*serviceLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		cleanupTicker   *time.Ticker
		done            chan struct{}

		// Configuration (stored for creating new service limiters and cleanup)
		serviceRPS      int
		serviceBurst    int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxServices     int
	}

	// serviceLimiter tracks rate limit state for a single remote service.
	// Includes last access time for memory cleanup.
	serviceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with three-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	serviceBurst := computeBurstCapacity(config.ServiceRPS, config.ServiceBurst)
	unauthBurst := computeBurstCapacity(config.UnAuthRPS, config.UnAuthBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perService:      make(map[string]*serviceLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(config.UnAuthRPS), unauthBurst),
		done:            make(chan struct{}),
		serviceRPS:      config.ServiceRPS,
		serviceBurst:    serviceBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxServices:     config.MaxServices,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
func (rl *InMemoryRateLimiter) Allow(serviceID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if serviceID == "" {
		return rl.unauthenticated.Allow()
	}

	rl.mu.RLock()
	sl, ok := rl.perService[serviceID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if sl, ok = rl.perService[serviceID]; !ok {
			sl = &serviceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.serviceRPS), rl.serviceBurst),
				lastAccess: time.Now(),
			}

			rl.perService[serviceID] = sl

			currentCount := len(rl.perService)
			threshold := int(float64(rl.maxServices) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max services limit",
					"current_services", currentCount,
					"max_services", rl.maxServices,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate remote service proliferation or raise max_services")
			}
		}

		rl.mu.Unlock()
	}

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale service limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes service limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for serviceID, sl := range rl.perService {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perService, serviceID)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming requests.
//
// Rate limiting is applied in three tiers:
//  1. Global limit (all requests)
//  2. Per-service limit (authenticated requests with ServiceContext)
//  3. Unauthenticated limit (requests without ServiceContext)
//
// The middleware must be placed after bearer authentication in the chain to
// access ServiceContext for per-service rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serviceID := ""
			if svcCtx, ok := GetServiceContext(r.Context()); ok {
				serviceID = svcCtx.Service
			}

			if !limiter.Allow(serviceID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
