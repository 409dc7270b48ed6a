// Package workflow is the HTTP adapter for the external durable-execution
// engine. Responses are validated here and surfaced as the closed
// WorkflowUpdate set; nothing above this layer touches raw payloads.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/helixsec/helix/internal/domain/scans"
)

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Submit hands a scan off for durable execution under the given handle.
func (c *Client) Submit(ctx context.Context, handle string, spec domain.WorkflowSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/workflows/%s", c.baseURL, handle), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("workflow submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workflow submit: engine returned %d", resp.StatusCode)
	}
	return nil
}

// queryPayload is the engine's loosely-typed answer, decoded and validated
// into exactly one WorkflowUpdate shape.
type queryPayload struct {
	Status          string   `json:"status"`
	CurrentPhase    string   `json:"currentPhase"`
	CurrentAgent    string   `json:"currentAgent"`
	CompletedAgents []string `json:"completedAgents"`
	ExpectedAgents  int      `json:"expectedAgents"`
	ElapsedMS       int64    `json:"elapsedMs"`
	FailedAgent     string   `json:"failedAgent"`
	Error           string   `json:"error"`
}

func (c *Client) Query(ctx context.Context, handle string) (domain.WorkflowUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/workflows/%s", c.baseURL, handle), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("workflow query: engine returned %d", resp.StatusCode)
	}

	var p queryPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("workflow query: decode: %w", err)
	}
	switch p.Status {
	case "running":
		return domain.WorkflowRunning{
			CurrentPhase:    p.CurrentPhase,
			CurrentAgent:    p.CurrentAgent,
			CompletedAgents: p.CompletedAgents,
			ExpectedAgents:  p.ExpectedAgents,
			ElapsedMS:       p.ElapsedMS,
		}, nil
	case "completed":
		return domain.WorkflowCompleted{ElapsedMS: p.ElapsedMS}, nil
	case "failed":
		return domain.WorkflowFailed{FailedAgent: p.FailedAgent, Error: p.Error}, nil
	case "canceled", "cancelled":
		return domain.WorkflowCanceled{}, nil
	default:
		return nil, fmt.Errorf("workflow query: unknown status %q", p.Status)
	}
}

// Cancel is best-effort; callers decide whether a failure matters.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/workflows/%s/cancel", c.baseURL, handle), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("workflow cancel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("workflow cancel: engine returned %d", resp.StatusCode)
	}
	return nil
}

// Healthy probes the engine's health endpoint. Any failure reads as down.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("workflow engine health probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
