// Package middleware provides HTTP middleware components for Fletcher's API.
package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fletcher-data/fletcher/internal/auth"
)

func testIssuerAndVerifier(t *testing.T) (*auth.Issuer, *auth.Verifier) {
	t.Helper()

	hashed, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate test hash: %v", err)
	}

	issuer := auth.NewIssuer("test-signing-key", time.Hour, []auth.RemoteAPI{
		{Service: "dbt-runner", Hash: string(hashed), Roles: []string{"publish", "update"}},
	})
	verifier := auth.NewVerifier("test-signing-key")

	return issuer, verifier
}

func TestExtractBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := extractBearerToken(req); ok {
		t.Error("expected no token when Authorization header is absent")
	}

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, ok := extractBearerToken(req); ok {
		t.Error("expected no token for non-Bearer scheme")
	}

	req.Header.Set("Authorization", "Bearer ")
	if _, ok := extractBearerToken(req); ok {
		t.Error("expected no token for empty bearer value")
	}

	req.Header.Set("Authorization", "Bearer abc.def.ghi")

	token, ok := extractBearerToken(req)
	if !ok || token != "abc.def.ghi" {
		t.Errorf("expected token abc.def.ghi, got %q (ok=%v)", token, ok)
	}
}

func TestAuthenticateBearer_MissingToken(t *testing.T) {
	_, verifier := testIssuerAndVerifier(t)
	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthenticateBearer(verifier, logger)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/plan/search", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if nextCalled {
		t.Error("next handler should not be called without a token")
	}

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateBearer_InvalidToken(t *testing.T) {
	_, verifier := testIssuerAndVerifier(t)
	logger := slog.New(slog.DiscardHandler)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthenticateBearer(verifier, logger)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/plan/search", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateBearer_ValidToken(t *testing.T) {
	issuer, verifier := testIssuerAndVerifier(t)
	logger := slog.New(slog.DiscardHandler)

	token, err := issuer.Authenticate("dbt-runner", "s3cret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	var observed ServiceContext

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observed, _ = GetServiceContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthenticateBearer(verifier, logger)(next)

	req := httptest.NewRequest(http.MethodGet, "/api/plan/search", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if observed.Service != "dbt-runner" {
		t.Errorf("expected service dbt-runner, got %q", observed.Service)
	}

	if !observed.HasRole("publish") {
		t.Error("expected service context to carry publish role")
	}
}

func TestAuthenticateBearer_PublicEndpointBypassesAuth(t *testing.T) {
	_, verifier := testIssuerAndVerifier(t)
	logger := slog.New(slog.DiscardHandler)

	RegisterPublicEndpoint("/ping")
	defer delete(publicEndpoints, "/ping")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := AuthenticateBearer(verifier, logger)(next)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Error("expected public endpoint to bypass authentication")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireRole("disable", logger)(next)

	req := httptest.NewRequest(http.MethodDelete, "/api/data_product/ds-1", nil)
	ctx := SetServiceContext(req.Context(), ServiceContext{Service: "dbt-runner", Roles: []string{"publish"}})
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if nextCalled {
		t.Error("next handler should not be called without the required role")
	}

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestRequireRole_Allowed(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireRole("publish", logger)(next)

	req := httptest.NewRequest(http.MethodPost, "/api/plan", nil)
	ctx := SetServiceContext(req.Context(), ServiceContext{Service: "dbt-runner", Roles: []string{"publish"}})
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
