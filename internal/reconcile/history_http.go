package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPHistory fetches conversation history from the gateway's REST API.
type HTTPHistory struct {
	baseURL string
	client  *http.Client
}

// NewHTTPHistory creates a history client. Returns nil when baseURL is
// empty, which disables reconciliation entirely.
func NewHTTPHistory(baseURL string) *HTTPHistory {
	if baseURL == "" {
		return nil
	}
	return &HTTPHistory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPHistory) ListRecentItems(ctx context.Context, customerID string, limit int) ([]HistoryItem, error) {
	u := fmt.Sprintf("%s/customers/%s/messages?limit=%d",
		h.baseURL, url.PathEscape(customerID), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("history api status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Items []HistoryItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return parsed.Items, nil
}
