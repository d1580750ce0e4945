// Package api provides the HTTP API server implementation for Fletcher.
package api

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPISpecYAML []byte

// openAPISpecJSON is decoded once at startup to validate the embedded YAML
// and re-encoded on demand for clients that request application/json.
var openAPISpecJSON map[string]any

func init() {
	var doc map[string]any
	if err := yaml.Unmarshal(openAPISpecYAML, &doc); err != nil {
		panic(fmt.Sprintf("fletcher: embedded openapi.yaml is invalid: %v", err))
	}

	openAPISpecJSON = doc
}

// handleSpec serves the OpenAPI document as YAML or JSON depending on the
// caller's Accept header, defaulting to YAML.
func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, s.logger, http.StatusOK, openAPISpecJSON)

		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpecYAML)
}
