package skyvern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
)

// Client talks to a Skyvern-compatible browser automation agent.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(cfg config.AgentConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "skyvern"),
	}
}

// TaskRequest is the body of POST /api/v1/tasks.
type TaskRequest struct {
	URL                  string         `json:"url"`
	NavigationGoal       string         `json:"navigation_goal"`
	NavigationPayload    map[string]any `json:"navigation_payload,omitempty"`
	DataExtractionGoal   string         `json:"data_extraction_goal,omitempty"`
	DataExtractionSchema map[string]any `json:"data_extraction_schema,omitempty"`
	WebhookCallbackURL   string         `json:"webhook_callback_url,omitempty"`
	TOTPVerificationURL  string         `json:"totp_verification_url,omitempty"`
	TOTPIdentifier       string         `json:"totp_identifier,omitempty"`
	MaxSteps             int            `json:"max_steps,omitempty"`
	MaxRetriesPerStep    int            `json:"max_retries_per_step,omitempty"`
	WaitBeforeActionMS   int            `json:"wait_before_action_ms,omitempty"`
	ProxyLocation        string         `json:"proxy_location,omitempty"`
	BrowserSessionID     string         `json:"browser_session_id,omitempty"`
}

// Task is the agent's view of a task, returned by GET /api/v1/tasks/{id} and
// posted to the webhook callback.
type Task struct {
	TaskID               string          `json:"task_id"`
	Status               string          `json:"status"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	ExtractedInformation json.RawMessage `json:"extracted_information,omitempty"`
	CreatedAt            string          `json:"created_at,omitempty"`
	ModifiedAt           string          `json:"modified_at,omitempty"`
}

type TOTPCode struct {
	TaskID     string `json:"task_id,omitempty"`
	Identifier string `json:"totp_identifier"`
	Content    string `json:"content"`
}

type Credential struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Description string `json:"description,omitempty"`
}

// APIError is a non-2xx response from the agent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent API returned status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &resp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("create task: agent returned no task_id")
	}
	c.log.Info("task created", "task_id", resp.TaskID, "url", req.URL)
	return resp.TaskID, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return nil
}

// SubmitTOTP pushes a verification code to a running task.
func (c *Client) SubmitTOTP(ctx context.Context, code TOTPCode) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/totp", code, nil); err != nil {
		return fmt.Errorf("submit totp for task %s: %w", code.TaskID, err)
	}
	return nil
}

// CreateCredential stores a login in the agent's credential store and returns its id.
func (c *Client) CreateCredential(ctx context.Context, cred Credential) (string, error) {
	var resp struct {
		CredentialID string `json:"credential_id"`
		ID           string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/credentials/passwords", cred, &resp); err != nil {
		return "", fmt.Errorf("create credential %s: %w", cred.Name, err)
	}
	if resp.CredentialID != "" {
		return resp.CredentialID, nil
	}
	return resp.ID, nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}
	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
