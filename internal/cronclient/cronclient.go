// Package cronclient is a thin HTTP client for the management API that the
// in-process IM-cron MCP tool server calls to create, update, delete, run,
// and list scheduled tasks. The server side of that API lives outside this
// module; this package only speaks its contract.
package cronclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 15 * time.Second

// Client calls a management API reachable at a base URL such as
// http://127.0.0.1:$MYAGENTS_MANAGEMENT_PORT.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (no trailing slash required).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// ScheduleKind discriminates the tagged-union Schedule variants.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is the tagged-union schedule shape the management API expects:
// exactly one of At, EveryMinutes, or Cron is set, matching Kind.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// At is an ISO-8601 timestamp; set when Kind == ScheduleAt.
	At string `json:"at,omitempty"`

	// EveryMinutes is the repeat interval in minutes, >= 5; set when
	// Kind == ScheduleEvery.
	EveryMinutes int `json:"everyMinutes,omitempty"`

	// Cron is a cron expression; set when Kind == ScheduleCron.
	Cron string `json:"cron,omitempty"`
	// TZ is an optional IANA time zone name qualifying Cron.
	TZ string `json:"tz,omitempty"`
}

// Delivery names where a task's result is sent once it runs.
type Delivery struct {
	Platform string `json:"platform"`
	BotID    string `json:"botId"`
	ChatID   string `json:"chatId"`
}

// Task is one scheduled task as the management API represents it.
type Task struct {
	ID             string            `json:"id,omitempty"`
	Schedule       Schedule          `json:"schedule"`
	Message        string            `json:"message"`
	Delivery       Delivery          `json:"delivery"`
	Workspace      string            `json:"workspace"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	ProviderEnv    map[string]string `json:"providerEnv,omitempty"`
}

// CreateRequest is the body of POST /api/cron/create.
type CreateRequest struct {
	Schedule       Schedule          `json:"schedule"`
	Message        string            `json:"message"`
	Delivery       Delivery          `json:"delivery"`
	Workspace      string            `json:"workspace"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	ProviderEnv    map[string]string `json:"providerEnv,omitempty"`
}

// UpdateRequest is the body of POST /api/cron/update. Fields left at their
// zero value are left unchanged server-side, except Schedule: a caller that
// wants to change the schedule sends a fully-populated Schedule, tagged by
// Kind as usual.
type UpdateRequest struct {
	ID             string            `json:"id"`
	Schedule       *Schedule         `json:"schedule,omitempty"`
	Message        string            `json:"message,omitempty"`
	Delivery       *Delivery         `json:"delivery,omitempty"`
	Workspace      string            `json:"workspace,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	ProviderEnv    map[string]string `json:"providerEnv,omitempty"`
}

// Create registers a new scheduled task and returns it as the server stored
// it (including its assigned ID).
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/cron/create", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Update changes an existing scheduled task in place.
func (c *Client) Update(ctx context.Context, req UpdateRequest) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/cron/update", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes a scheduled task by id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/cron/delete", map[string]string{"id": id}, nil)
}

// Run triggers an immediate out-of-schedule execution of a task by id.
func (c *Client) Run(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/cron/run", map[string]string{"id": id}, nil)
}

// List returns every scheduled task known to the management API.
func (c *Client) List(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/api/cron/list", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// do issues one request against the management API, marshalling body (when
// non-nil) as the JSON request payload and unmarshalling the response into
// out (when non-nil and the response carries a body).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cronclient: encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("cronclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cronclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cronclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("cronclient: decode response: %w", err)
	}
	return nil
}

// StatusError is returned when the management API answers with a non-2xx
// status code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cronclient: %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}
