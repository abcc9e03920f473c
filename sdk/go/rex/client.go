package rex

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
	// BaseURL is the root URL of the Rex server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer JWT. Operators, observers and agents each get
	// tokens scoped to their role.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Rex API.
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
		return nil, fmt.Errorf("rex: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("rex: Token is required")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClientFor(cfg.HTTPClient, cfg.Timeout),
	}, nil
}

func httpClientFor(c *http.Client, timeout time.Duration) *http.Client {
	if c != nil {
		return c
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// TokenRequest asks a development server to mint a token.
type TokenRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Crew    string `json:"crew,omitempty"`
}

// TokenResponse carries a minted token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueDevToken calls POST /auth/token on a server running with dev tokens
// enabled. Production servers answer 404.
func IssueDevToken(ctx context.Context, baseURL string, req TokenRequest) (*TokenResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rex: marshal token request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/auth/token", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("rex: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClientFor(nil, 0).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rex: POST /auth/token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out TokenResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMission queues a mission. The server assigns it to a crew
// immediately when capacity allows.
func (c *Client) CreateMission(ctx context.Context, req CreateMissionRequest) (*CreateMissionResponse, error) {
	var resp CreateMissionResponse
	if err := c.post(ctx, "/v1/missions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateMissionIdempotent is CreateMission with an Idempotency-Key, so a
// retried call returns the original mission instead of creating another.
func (c *Client) CreateMissionIdempotent(ctx context.Context, key string, req CreateMissionRequest) (*CreateMissionResponse, error) {
	var resp CreateMissionResponse
	if err := c.send(ctx, http.MethodPost, "/v1/missions", req, &resp, map[string]string{"Idempotency-Key": key}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMission returns a mission with its tasks, progress, and logs.
func (c *Client) GetMission(ctx context.Context, id uuid.UUID) (*MissionDetail, error) {
	var resp MissionDetail
	if err := c.get(ctx, "/v1/missions/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMissions returns missions newest first.
func (c *Client) ListMissions(ctx context.Context, f MissionFilter) ([]Mission, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Owner != "" {
		q.Set("owner", f.Owner)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp []Mission
	if err := c.get(ctx, withQuery("/v1/missions", q), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelMission cancels a mission. Cancelling a finished mission is a no-op
// that reports its final state.
func (c *Client) CancelMission(ctx context.Context, id uuid.UUID, reason string) (*CancelMissionResponse, error) {
	var resp CancelMissionResponse
	if err := c.post(ctx, "/v1/missions/"+id.String()+"/cancel", map[string]string{"reason": reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForMission polls until the mission reaches a terminal state or ctx
// is done.
func (c *Client) WaitForMission(ctx context.Context, id uuid.UUID, interval time.Duration) (*MissionDetail, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetMission(ctx, id)
		if err != nil {
			return nil, err
		}
		if detail.Mission.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListAgents returns per-agent status, optionally for a single crew.
func (c *Client) ListAgents(ctx context.Context, crew string) ([]AgentStatus, error) {
	q := url.Values{}
	if crew != "" {
		q.Set("crew", crew)
	}
	var resp []AgentStatus
	if err := c.get(ctx, withQuery("/v1/agents", q), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RestartAgent returns a failed agent to service.
func (c *Client) RestartAgent(ctx context.Context, crew, agent string) (bool, string, error) {
	var resp struct {
		Restarted bool   `json:"restarted"`
		Status    string `json:"status"`
	}
	path := "/v1/agents/" + url.PathEscape(crew) + "/" + url.PathEscape(agent) + "/restart"
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return false, "", err
	}
	return resp.Restarted, resp.Status, nil
}

// ListDomains returns sending domains, optionally filtered by status.
func (c *Client) ListDomains(ctx context.Context, status string) ([]Domain, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Domain
	if err := c.get(ctx, withQuery("/v1/domains", q), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddDomain registers a sending domain. With Verify set, the response lists
// the DNS records that must exist before the domain can send.
func (c *Client) AddDomain(ctx context.Context, req AddDomainRequest) (*AddDomainResponse, error) {
	var resp AddDomainResponse
	if err := c.post(ctx, "/v1/domains", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateDomain retires a domain. Without immediate, the server refuses
// when no replacement is available.
func (c *Client) RotateDomain(ctx context.Context, id uuid.UUID, reason string, immediate bool) (*RotateDomainResponse, error) {
	body := map[string]any{"reason": reason, "immediate": immediate}
	var resp RotateDomainResponse
	if err := c.post(ctx, "/v1/domains/"+id.String()+"/rotate", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDomain returns one domain with its current health.
func (c *Client) GetDomain(ctx context.Context, id uuid.UUID) (*Domain, error) {
	var resp Domain
	if err := c.get(ctx, "/v1/domains/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyDomain re-checks a pending domain's DNS records. A domain that
// passes starts warming.
func (c *Client) VerifyDomain(ctx context.Context, id uuid.UUID) (*Domain, error) {
	var resp Domain
	if err := c.post(ctx, "/v1/domains/"+id.String()+"/verify", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordSends counts n messages sent from a domain against its daily limit.
func (c *Client) RecordSends(ctx context.Context, id uuid.UUID, n int) (*Domain, error) {
	var resp Domain
	if err := c.post(ctx, "/v1/domains/"+id.String()+"/sends", map[string]int{"count": n}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportOutcome folds delivery signals into a domain's reputation.
func (c *Client) ReportOutcome(ctx context.Context, id uuid.UUID, out SendOutcome) (*Domain, error) {
	var resp Domain
	if err := c.post(ctx, "/v1/domains/"+id.String()+"/outcomes", out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is an agent-originated bus message. Data is encoded as the
// payload for Type.
type Message struct {
	ID            uuid.UUID  `json:"id,omitempty"`
	Type          string     `json:"type"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient,omitempty"`
	MissionID     *uuid.UUID `json:"mission_id,omitempty"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	ReplyTo       *uuid.UUID `json:"reply_to,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Data          any        `json:"data"`
}

// AgentAddress is the sender address for an agent within a crew.
func AgentAddress(crew, agent string) string { return "agent:" + crew + "/" + agent }

// PublishMessage hands an agent message to the orchestrator. Agent tokens
// may only speak for their own crew.
func (c *Client) PublishMessage(ctx context.Context, msg Message) (uuid.UUID, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var resp struct {
		ID uuid.UUID `json:"id"`
	}
	if err := c.post(ctx, "/v1/messages", msg, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

// TaskCompleted reports a task result on behalf of an agent.
func (c *Client) TaskCompleted(ctx context.Context, crew, agent string, missionID, taskID uuid.UUID, output any, durationMs int64) (uuid.UUID, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return uuid.Nil, fmt.Errorf("rex: marshal task output: %w", err)
	}
	return c.PublishMessage(ctx, Message{
		Type:      "mission.completed",
		Sender:    AgentAddress(crew, agent),
		MissionID: &missionID,
		Data: map[string]any{
			"task_id":     taskID,
			"output":      json.RawMessage(raw),
			"duration_ms": durationMs,
		},
	})
}

// TaskFailed reports a task error on behalf of an agent. Recoverable errors
// are retried by the orchestrator until the retry budget runs out.
func (c *Client) TaskFailed(ctx context.Context, crew, agent string, missionID, taskID uuid.UUID, merr MissionError) (uuid.UUID, error) {
	return c.PublishMessage(ctx, Message{
		Type:      "mission.failed",
		Sender:    AgentAddress(crew, agent),
		MissionID: &missionID,
		Data: map[string]any{
			"task_id": taskID,
			"error":   merr,
		},
	})
}

// Status returns overall health, mission counts, and pool capacity.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks server liveness. No authentication is required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("rex: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rex: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
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
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest, nil)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, nil, dest, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rex: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rex: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rex: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rex: read response body: %w", err)
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
		return fmt.Errorf("rex: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.Meta.RequestID
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
