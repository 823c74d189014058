package cerberus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Cerberus REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Attachment is inline document content sent with a request.
type Attachment struct {
	Name     string            `json:"name"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Submission is the payload required to create a new request.
type Submission struct {
	ID          string       `json:"id,omitempty"`
	AgentID     string       `json:"agent_id"`
	Description string       `json:"description"`
	Action      string       `json:"action,omitempty"`
	Inputs      []string     `json:"inputs,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Request is the server view of a submitted request.
type Request struct {
	ID          string  `json:"id"`
	AgentID     string  `json:"agent_id"`
	Description string  `json:"description"`
	Action      string  `json:"action,omitempty"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   string  `json:"last_error,omitempty"`
	ErrorCode   string  `json:"error_code,omitempty"`
	Result      *Result `json:"result,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// Settled reports whether the server will not run the request again.
func (r *Request) Settled() bool {
	switch r.Status {
	case "completed", "rejected", "aborted":
		return true
	case "failed":
		return r.Attempts >= r.MaxAttempts
	}
	return false
}

// Result aggregates the outcome of every task of a request.
type Result struct {
	Status      string        `json:"status"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	NeedsReview int           `json:"needs_review"`
	Blocked     int           `json:"blocked"`
	Aborted     int           `json:"aborted"`
	Cost        float64       `json:"cost"`
	Results     []TaskOutcome `json:"results"`
}

// TaskOutcome is the terminal state of one task.
type TaskOutcome struct {
	TaskID     string      `json:"task_id"`
	Kind       string      `json:"kind"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	Confidence float64     `json:"confidence,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	ReviewID   string      `json:"review_id,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
}

// TaskResult is the output of a succeeded task.
type TaskResult struct {
	Text    string          `json:"text,omitempty"`
	Label   string          `json:"label,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Backend string          `json:"backend,omitempty"`
	Model   string          `json:"model,omitempty"`
	Cost    float64         `json:"cost"`
}

// Review is an item of the human review queue.
type Review struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id"`
	RequestID  string          `json:"request_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	Reason     string          `json:"reason"`
	Detail     string          `json:"detail,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	Draft      string          `json:"draft,omitempty"`
	Resolution string          `json:"resolution"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	Archived   bool            `json:"archived"`
}

// Resolution is the decision sent for a review item. Record is required for
// the corrected resolution.
type Resolution struct {
	Resolution string          `json:"resolution"`
	Record     json.RawMessage `json:"record,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// Agent summarises a configured agent.
type Agent struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Enabled       bool     `json:"enabled"`
	Description   string   `json:"description,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	DocumentTypes []string `json:"document_types,omitempty"`
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Agent    string
	Statuses []string
	Query    string
	Limit    int
	Offset   int
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	Agent      string
	Resolution string
	Reason     string
	Archived   bool
	Limit      int
	Offset     int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("cerberus api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cerberus api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Cerberus API. When httpClient is
// nil, a default client with a short timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitRequest creates a new request. Submitting an existing ID returns the
// stored request.
func (c *Client) SubmitRequest(ctx context.Context, sub Submission) (*Request, error) {
	var out Request
	if err := c.post(ctx, "/api/v1/requests", nil, sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRequest fetches a request by identifier.
func (c *Client) GetRequest(ctx context.Context, id string) (*Request, error) {
	var out Request
	if err := c.get(ctx, "/api/v1/requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRequests lists requests, most recently updated first.
func (c *Client) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	q := url.Values{}
	setString(q, "agent", f.Agent)
	setString(q, "status", strings.Join(f.Statuses, ","))
	setString(q, "q", f.Query)
	setInt(q, "limit", f.Limit)
	setInt(q, "offset", f.Offset)
	var out struct {
		Requests []Request `json:"requests"`
	}
	if err := c.get(ctx, "/api/v1/requests", q, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// WaitRequest polls until the request is settled or ctx ends.
func (c *Client) WaitRequest(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		req, err := c.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Settled() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListReviews lists review items.
func (c *Client) ListReviews(ctx context.Context, f ReviewFilter) ([]Review, error) {
	q := url.Values{}
	setString(q, "agent", f.Agent)
	setString(q, "resolution", f.Resolution)
	setString(q, "reason", f.Reason)
	if f.Archived {
		q.Set("archived", "true")
	}
	setInt(q, "limit", f.Limit)
	setInt(q, "offset", f.Offset)
	var out struct {
		Reviews []Review `json:"reviews"`
	}
	if err := c.get(ctx, "/api/v1/reviews", q, &out); err != nil {
		return nil, err
	}
	return out.Reviews, nil
}

// GetReview fetches a review item by identifier.
func (c *Client) GetReview(ctx context.Context, id string) (*Review, error) {
	var out Review
	if err := c.get(ctx, "/api/v1/reviews/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveReview records a decision for a pending review item.
func (c *Client) ResolveReview(ctx context.Context, id string, res Resolution) (*Review, error) {
	var out Review
	if err := c.post(ctx, "/api/v1/reviews/"+url.PathEscape(id)+"/resolve", nil, res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists the configured agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func setString(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setInt(q url.Values, key string, value int) {
	if value > 0 {
		q.Set(key, strconv.Itoa(value))
	}
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		return nil, errors.New("cerberus: nil context")
	}
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			envelope.Error = apiErr
			if err := json.Unmarshal(data, &envelope); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
