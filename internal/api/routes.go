// Package api provides the HTTP API server implementation for Fletcher.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fletcher-data/fletcher/internal/api/middleware"
	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/plan"
)

const (
	defaultSearchLimit = 50
	maxRequestBody     = 1 << 20 // 1 MiB
)

// setupRoutes registers every HTTP endpoint on mux.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	for _, endpoint := range []string{"/ping", "/ready", "/health", "/api/authenticate", "/spec", "/swagger"} {
		middleware.RegisterPublicEndpoint(endpoint)
	}

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /spec", s.handleSpec)
	mux.HandleFunc("GET /swagger", s.handleSpec)

	mux.HandleFunc("POST /api/authenticate", s.handleAuthenticate)

	mux.Handle("POST /api/plan", s.withRole("publish", http.HandlerFunc(s.handleSubmitPlan)))
	mux.HandleFunc("GET /api/plan/search", s.handleSearchPlans)
	mux.HandleFunc("GET /api/plan/{dataset_id}", s.handleGetPlan)
	mux.Handle("PUT /api/plan/{dataset_id}/pause", s.withRole("pause", http.HandlerFunc(s.handlePause(true))))
	mux.Handle("PUT /api/plan/{dataset_id}/unpause", s.withRole("pause", http.HandlerFunc(s.handlePause(false))))

	mux.Handle("PUT /api/data_product/{dataset_id}/update", s.withRole("update", http.HandlerFunc(s.handleUpdateDataProducts)))
	mux.Handle("PUT /api/data_product/{dataset_id}/clear", s.withRole("update", http.HandlerFunc(s.handleClearDataProducts)))
	mux.Handle("DELETE /api/data_product/{dataset_id}", s.withRole("disable", http.HandlerFunc(s.handleDisableDataProducts)))

	mux.HandleFunc("/", s.handleNotFound)
}

// withRole wraps handler with a role-requirement check, applied after
// bearer authentication has already populated the request's ServiceContext.
func (s *Server) withRole(role string, handler http.Handler) http.Handler {
	return middleware.RequireRole(role, s.logger)(handler)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("store is not reachable"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.store.HealthCheck(r.Context()); err != nil {
		storeStatus = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"store":   storeStatus,
		"uptime":  time.Since(s.startTime).String(),
		"version": "fletcher",
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("no such route: "+r.Method+" "+r.URL.Path))
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if !decodeJSONBody(w, r, s.logger, &req) {
		return
	}

	token, err := s.issuer.Authenticate(req.Service, req.Key)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, Unauthorized("invalid service credentials"))

		return
	}

	resp := AuthenticateResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		Expires:     token.Expires,
		Issued:      token.Issued,
		IssuedBy:    "fletcher",
		TTL:         token.TTL.Seconds(),
		Service:     token.Service,
		Roles:       token.Roles,
	}

	writeJSON(w, s.logger, http.StatusOK, resp)
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !decodeJSONBody(w, r, s.logger, &req) {
		return
	}

	products := make([]core.DataProduct, 0, len(req.Products))
	for _, p := range req.Products {
		products = append(products, core.DataProduct{
			DatasetID:   req.DatasetID,
			ID:          p.ID,
			Compute:     p.Compute,
			Name:        p.Name,
			Version:     p.Version,
			Eager:       p.Eager,
			Passthrough: p.Passthrough,
			State:       core.StateWaiting,
			Extra:       p.Extra,
		})
	}

	dependencies := make([]core.Dependency, 0, len(req.Dependencies))
	for _, d := range req.Dependencies {
		dependencies = append(dependencies, core.Dependency{
			DatasetID: req.DatasetID,
			ParentID:  d.ParentID,
			ChildID:   d.ChildID,
			Extra:     d.Extra,
		})
	}

	svcCtx, _ := middleware.GetServiceContext(r.Context())

	sub := plan.Submission{
		DatasetID:    req.DatasetID,
		DatasetExtra: req.Extra,
		Products:     products,
		Dependencies: dependencies,
	}

	dataset, storedProducts, storedDependencies, err := s.planEngine.Submit(r.Context(), sub, svcCtx.Service, time.Now())
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, PlanResponse{
		Dataset:      *dataset,
		Products:     storedProducts,
		Dependencies: storedDependencies,
	})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("dataset_id")

	dataset, products, dependencies, err := s.store.GetPlan(r.Context(), datasetID)
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, PlanResponse{
		Dataset:      *dataset,
		Products:     products,
		Dependencies: dependencies,
	})
}

func (s *Server) handleSearchPlans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := defaultSearchLimit
	if v := query.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if v := query.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	results, err := s.store.SearchPlans(r.Context(), query.Get("q"), limit, offset)
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, SearchResponse(results))
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := r.PathValue("dataset_id")
		svcCtx, _ := middleware.GetServiceContext(r.Context())

		dataset, err := s.store.SetPaused(r.Context(), datasetID, paused, svcCtx.Service, time.Now())
		if err != nil {
			s.writeDomainError(w, r, err)

			return
		}

		if !paused {
			if err := s.stateEngine.Recompute(r.Context(), datasetID, svcCtx.Service, time.Now()); err != nil {
				s.logger.Error("recompute after unpause failed",
					slog.String("dataset_id", datasetID),
					slog.String("error", err.Error()),
				)
			}
		}

		writeJSON(w, s.logger, http.StatusOK, dataset)
	}
}

func (s *Server) handleUpdateDataProducts(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("dataset_id")

	var inputs []RuntimeUpdateInput
	if !decodeJSONBody(w, r, s.logger, &inputs) {
		return
	}

	updates := make([]core.RuntimeUpdate, 0, len(inputs))
	for _, in := range inputs {
		updates = append(updates, core.RuntimeUpdate{
			DataProductID: in.ID,
			State:         in.State,
			RunID:         in.RunID,
			Link:          in.Link,
			Passback:      in.Passback,
		})
	}

	svcCtx, _ := middleware.GetServiceContext(r.Context())

	updated, err := s.stateEngine.Update(r.Context(), datasetID, updates, svcCtx.Service, time.Now())
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, updated)
}

func (s *Server) handleClearDataProducts(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("dataset_id")

	var ids []string
	if !decodeJSONBody(w, r, s.logger, &ids) {
		return
	}

	svcCtx, _ := middleware.GetServiceContext(r.Context())

	cleared, err := s.stateEngine.Clear(r.Context(), datasetID, ids, svcCtx.Service, time.Now())
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, cleared)
}

func (s *Server) handleDisableDataProducts(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("dataset_id")

	var ids []string
	if !decodeJSONBody(w, r, s.logger, &ids) {
		return
	}

	svcCtx, _ := middleware.GetServiceContext(r.Context())

	disabled, err := s.stateEngine.Disable(r.Context(), datasetID, ids, svcCtx.Service, time.Now())
	if err != nil {
		s.writeDomainError(w, r, err)

		return
	}

	writeJSON(w, s.logger, http.StatusOK, disabled)
}

// writeDomainError maps a domain sentinel error to its RFC 7807 problem and
// writes the response. This is the only place domain errors are translated
// to HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	detail := err.Error()

	switch {
	case errors.Is(err, core.ErrCycleDetected):
		WriteErrorResponse(w, r, s.logger, BadRequest(detail))
	case errors.Is(err, core.ErrValidation):
		WriteErrorResponse(w, r, s.logger, BadRequest(detail))
	case errors.Is(err, core.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(detail))
	case errors.Is(err, core.ErrIllegalTransition):
		WriteErrorResponse(w, r, s.logger, Conflict(detail))
	case errors.Is(err, core.ErrConflict):
		WriteErrorResponse(w, r, s.logger, Conflict(detail))
	case errors.Is(err, core.ErrUnauthorized):
		WriteErrorResponse(w, r, s.logger, Unauthorized(detail))
	case errors.Is(err, core.ErrForbidden):
		WriteErrorResponse(w, r, s.logger, Forbidden(detail))
	case errors.Is(err, core.ErrUnavailable):
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable(detail))
	default:
		s.logger.Error("unmapped domain error", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("an unexpected error occurred"))
	}
}

// decodeJSONBody decodes r's JSON body into v, writing an RFC 7807 error
// response and returning false on any failure (wrong content type, oversized
// body, malformed JSON).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/json" {
		WriteErrorResponse(w, r, logger, UnsupportedMediaType("Content-Type must be application/json"))

		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, logger, PayloadTooLarge("request body exceeds maximum size"))

			return false
		}

		WriteErrorResponse(w, r, logger, BadRequest("malformed JSON body: "+err.Error()))

		return false
	}

	return true
}

// writeJSON encodes v as the JSON response body with status code.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
