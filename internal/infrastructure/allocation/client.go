package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fulfillment-worker/internal/config"
	"fulfillment-worker/internal/domain"
)

// Client calls the external allocation service. The service is idempotent
// for identical inputs, so retrying the RPC is safe.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.Allocation) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.RPCTimeout},
	}
}

type AutoAssignRequest struct {
	StudentID       string                 `json:"student_id"`
	CourseID        string                 `json:"course_id"`
	SchedulingHints domain.SchedulingHints `json:"scheduling_hints"`
}

type AutoAssignResponse struct {
	AllocationID string                  `json:"allocation_id"`
	TrainerID    string                  `json:"trainer_id"`
	Status       domain.AllocationStatus `json:"status"`
}

// StatusError marks RPC responses with a non-2xx status so callers can
// distinguish retryable server errors from client errors.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("allocation service returned status %d: %s", e.Code, e.Body)
}

// Retryable: 5xx and 429 are worth another attempt; other 4xx are not.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// AutoAssign requests a trainer allocation. A timeout here means "unknown",
// never "does not exist" — callers must treat it as retryable.
func (c *Client) AutoAssign(ctx context.Context, req AutoAssignRequest) (*AutoAssignResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("allocation service base URL is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auto-assign payload: %w", err)
	}

	url := c.baseURL + "/allocations/auto-assign"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to allocation service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation service response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var out AutoAssignResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode allocation service response: %w", err)
	}
	if out.AllocationID == "" {
		return nil, fmt.Errorf("allocation service returned empty allocation id")
	}

	return &out, nil
}
