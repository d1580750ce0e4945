// Package api provides the HTTP API server implementation for Fletcher.
package api

import (
	"encoding/json"
	"time"

	"github.com/fletcher-data/fletcher/internal/core"
)

// AuthenticateRequest is the body of POST /api/authenticate.
type AuthenticateRequest struct {
	Service string `json:"service"`
	Key     string `json:"key"`
}

// AuthenticateResponse is the response of POST /api/authenticate.
type AuthenticateResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	Expires     time.Time `json:"expires"`
	Issued      time.Time `json:"issued"`
	IssuedBy    string    `json:"issued_by"`
	TTL         float64   `json:"ttl"`
	Service     string    `json:"service"`
	Roles       []string  `json:"roles"`
}

// PlanRequest is the body of POST /api/plan: a dataset plus its data
// products and dependencies, exactly as the caller wants them to exist
// after this submission.
type PlanRequest struct {
	DatasetID    string              `json:"id"`
	Extra        json.RawMessage     `json:"extra,omitempty"`
	Products     []DataProductInput  `json:"data_products"`
	Dependencies []DependencyInput   `json:"dependencies"`
}

// DataProductInput is one data product entry of a PlanRequest.
type DataProductInput struct {
	ID          string          `json:"id"`
	Compute     core.Compute    `json:"compute"`
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Eager       bool            `json:"eager"`
	Passthrough json.RawMessage `json:"passthrough,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// DependencyInput is one dependency entry of a PlanRequest.
type DependencyInput struct {
	ParentID string          `json:"parent_id"`
	ChildID  string          `json:"child_id"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// PlanResponse is the full plan returned by POST /api/plan and
// GET /api/plan/{dataset_id}.
type PlanResponse struct {
	Dataset      core.Dataset      `json:"dataset"`
	Products     []core.DataProduct `json:"data_products"`
	Dependencies []core.Dependency  `json:"dependencies"`
}

// RuntimeUpdateInput is one entry of the PUT .../update request body.
type RuntimeUpdateInput struct {
	ID       string          `json:"id"`
	State    core.State      `json:"state"`
	RunID    *string         `json:"run_id,omitempty"`
	Link     *string         `json:"link,omitempty"`
	Passback json.RawMessage `json:"passback,omitempty"`
}

// SearchResponse is the response of GET /api/plan/search.
type SearchResponse []core.PlanSummary
