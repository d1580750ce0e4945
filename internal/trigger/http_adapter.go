package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAdapter submits a Payload as a JSON POST to a compute platform's
// submission endpoint. Used for both CAMS and DBXaaS: the two platforms
// differ only in base URL and bearer credential, not wire shape.
type HTTPAdapter struct {
	Name       string
	Endpoint   string
	BearerAuth string
	Client     *http.Client
}

// NewHTTPAdapter builds an HTTPAdapter with a bounded request timeout.
func NewHTTPAdapter(name, endpoint, bearerAuth string) *HTTPAdapter {
	return &HTTPAdapter{
		Name:       name,
		Endpoint:   endpoint,
		BearerAuth: bearerAuth,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit POSTs payload to the adapter's endpoint. A 5xx response or a
// network-level error is treated as transient and wrapped with
// ErrTransient so Dispatch retries once; any 4xx response is permanent.
func (a *HTTPAdapter) Submit(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.BearerAuth)

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s submit: %v", ErrTransient, a.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrTransient, a.Name, resp.StatusCode)
	default:
		return fmt.Errorf("%s rejected submission: %d", a.Name, resp.StatusCode)
	}
}
