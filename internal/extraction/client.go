// Package extraction calls the external field-extraction service, which
// scans an edited document for placeholder fields. Extraction is best
// effort: callers treat any failure as "skip validation", never as a reason
// to block.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"evalsync/api/internal/schema"
)

// Client is a thin JSON-over-HTTP client for the extraction service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client. Returns nil when no service is configured; callers
// treat a nil client the same as an extraction failure.
func New(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ExtractFields returns the placeholder fields present in the document.
func (c *Client) ExtractFields(ctx context.Context, documentURL string) ([]schema.DocumentField, error) {
	body, err := json.Marshal(map[string]string{"documentUrl": documentURL})
	if err != nil {
		return nil, fmt.Errorf("marshal extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}

	var payload struct {
		Fields []schema.DocumentField `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	return payload.Fields, nil
}
