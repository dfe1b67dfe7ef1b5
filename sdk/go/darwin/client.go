package darwin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Darwin server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer token issued with `darwin token`.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Darwin API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("darwin: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("darwin: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Spawn creates an agent in spawning together with its bootstrap work item.
// A full pool fails with an error for which IsCapacityExceeded is true.
func (c *Client) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResponse, error) {
	var resp SpawnResponse
	if err := c.send(ctx, http.MethodPost, "/v1/spawns", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate moves a spawning agent into its grace period.
func (c *Client) Activate(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var agent Agent
	if err := c.send(ctx, http.MethodPost, "/v1/agents/"+agentID.String()+"/activate", nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ReportMetrics replaces the agent's reported metrics snapshot.
func (c *Client) ReportMetrics(ctx context.Context, agentID uuid.UUID, snap MetricsSnapshot) error {
	return c.send(ctx, http.MethodPut, "/v1/agents/"+agentID.String()+"/metrics", snap, nil)
}

// GetAgent returns one agent with its history.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var agent Agent
	if err := c.send(ctx, http.MethodGet, "/v1/agents/"+agentID.String(), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns agents in any of the given statuses, or all agents.
func (c *Client) ListAgents(ctx context.Context, statuses ...AgentStatus) ([]Agent, error) {
	path := "/v1/agents"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?" + url.Values{"status": {strings.Join(parts, ",")}}.Encode()
	}
	var agents []Agent
	if err := c.send(ctx, http.MethodGet, path, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// AgentHistory returns the agent's committed changes, oldest first.
func (c *Client) AgentHistory(ctx context.Context, agentID uuid.UUID) ([]HistoryEntry, error) {
	var history []HistoryEntry
	if err := c.send(ctx, http.MethodGet, "/v1/agents/"+agentID.String()+"/history", nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// CreateWorkItem creates a work item; the returned status reflects the
// server's first assignment attempt.
func (c *Client) CreateWorkItem(ctx context.Context, req CreateWorkItemRequest) (*WorkItem, error) {
	var item WorkItem
	if err := c.send(ctx, http.MethodPost, "/v1/work-items", req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetWorkItem returns one work item.
func (c *Client) GetWorkItem(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	var item WorkItem
	if err := c.send(ctx, http.MethodGet, "/v1/work-items/"+id.String(), nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListWorkItems returns work items matching filter.
func (c *Client) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]WorkItem, error) {
	params := url.Values{}
	if len(filter.Statuses) > 0 {
		parts := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			parts[i] = string(s)
		}
		params.Set("status", strings.Join(parts, ","))
	}
	if filter.AgentID != nil {
		params.Set("agent_id", filter.AgentID.String())
	}
	if filter.SpawnRef != nil {
		params.Set("spawn_ref", filter.SpawnRef.String())
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/work-items"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var items []WorkItem
	if err := c.send(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// StartWorkItem marks an assigned item in progress.
func (c *Client) StartWorkItem(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return c.workItemAction(ctx, id, "start")
}

// CloseWorkItem closes an item and frees its agent's slot.
func (c *Client) CloseWorkItem(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return c.workItemAction(ctx, id, "close")
}

// ReleaseWorkItem returns an assigned item to the open pool.
func (c *Client) ReleaseWorkItem(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return c.workItemAction(ctx, id, "release")
}

func (c *Client) workItemAction(ctx context.Context, id uuid.UUID, action string) (*WorkItem, error) {
	var item WorkItem
	if err := c.send(ctx, http.MethodPost, "/v1/work-items/"+id.String()+"/"+action, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// RunCycle runs an evaluation cycle now. Requires the admin role.
func (c *Client) RunCycle(ctx context.Context) (*EvaluationCycle, error) {
	var cycle EvaluationCycle
	if err := c.send(ctx, http.MethodPost, "/v1/cycles", nil, &cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// LatestCycle returns the most recent evaluation cycle.
func (c *Client) LatestCycle(ctx context.Context) (*EvaluationCycle, error) {
	var cycle EvaluationCycle
	if err := c.send(ctx, http.MethodGet, "/v1/cycles/latest", nil, &cycle); err != nil {
		return nil, err
	}
	return &cycle, nil
}

// Sweep offers every unassigned work item now. Requires the admin role.
func (c *Client) Sweep(ctx context.Context) ([]AssignResult, error) {
	var results []AssignResult
	if err := c.send(ctx, http.MethodPost, "/v1/sweeps", nil, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Audit returns the audit entries recorded for an agent or work item.
func (c *Client) Audit(ctx context.Context, entityID uuid.UUID) ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := c.send(ctx, http.MethodGet, "/v1/audit/"+entityID.String(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Health checks server health. No authentication required.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("darwin: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("darwin: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) send(ctx context.Context, method, path string, body, dest any) error {
	var rdr io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("darwin: marshal request body: %w", err)
		}
		rdr = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("darwin: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("darwin: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("darwin: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("darwin: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("darwin: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
