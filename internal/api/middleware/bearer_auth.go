// Package middleware provides HTTP middleware components for Fletcher's API.
package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fletcher-data/fletcher/internal/auth"
)

// publicEndpoints defines public endpoints that bypass bearer authentication.
// These endpoints are accessible without a token (e.g. K8s health probes,
// the authenticate endpoint itself, the served spec).
//
// Security note: only health checks, /api/authenticate, and the spec
// endpoints should be registered here.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// AuthError represents a bearer-authentication error with a specific type.
type AuthError struct {
	Type    error
	Message string
}

// Bearer authentication error types for granular error handling.
var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for a malformed, expired, or unverifiable token.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type, enabling errors.Is/errors.As.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Returns (token, true) if present and well-formed, ("", false) otherwise.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// AuthenticateBearer creates a middleware that verifies a JWT bearer token
// issued by auth.Issuer and enriches the request context with ServiceContext.
//
// Public endpoints (registered via RegisterPublicEndpoint) bypass verification.
func AuthenticateBearer(verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			token, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingToken, Message: "Missing bearer token"})

				return
			}

			identity, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, r, logger, &AuthError{Type: ErrInvalidToken, Message: err.Error()})

				return
			}

			svcCtx := ServiceContext{Service: identity.Service, Roles: identity.Roles}
			ctx := SetServiceContext(r.Context(), svcCtx)

			logger.Info("bearer token verified",
				slog.String("service", svcCtx.Service),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns a middleware that rejects requests whose authenticated
// service lacks the given role with 403 Forbidden. Must run after
// AuthenticateBearer.
func RequireRole(role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			svcCtx, ok := GetServiceContext(r.Context())
			if !ok || !svcCtx.HasRole(role) {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("role check failed",
					slog.String("required_role", role),
					slog.String("service", svcCtx.Service),
					slog.String("correlation_id", correlationID),
					slog.String("endpoint", r.URL.Path),
				)

				if err := writeRFC7807Error(
					w, r, http.StatusForbidden, "missing required role: "+role, correlationID,
				); err != nil {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant error response for authentication failures.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized

	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch {
		case errors.Is(authErr.Type, ErrMissingToken), errors.Is(authErr.Type, ErrInvalidToken):
			statusCode = http.StatusUnauthorized
		default:
			statusCode = http.StatusUnauthorized
		}
	}

	logger.Warn("authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if writeErr := writeRFC7807Error(w, r, statusCode, err.Error(), correlationID); writeErr != nil {
		logger.Error("failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.Any("encode_error", writeErr),
		)

		http.Error(w, err.Error(), statusCode)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Failed"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://fletcher-data.io/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
