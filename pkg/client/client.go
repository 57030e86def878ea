// Package client is an HTTP client for the flotilla API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running flotilla server.
type Client struct {
	baseURL string
	client  *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080/api"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, ae.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// CreateMachine registers a machine.
func (c *Client) CreateMachine(ctx context.Context, m Machine) (Machine, error) {
	var out Machine
	err := c.do(ctx, http.MethodPost, "/machines", m, &out)
	return out, err
}

// ListMachines returns all machines.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var out []Machine
	err := c.do(ctx, http.MethodGet, "/machines", nil, &out)
	return out, err
}

// DeleteMachine removes a machine with no instances.
func (c *Client) DeleteMachine(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/machines/%d", id), nil, nil)
}

// CreateProcess creates a process with instances on the given machines.
func (c *Client) CreateProcess(ctx context.Context, req CreateProcessRequest) (CreateProcessResponse, error) {
	var out CreateProcessResponse
	err := c.do(ctx, http.MethodPost, "/processes", req, &out)
	return out, err
}

// ListProcesses returns all process definitions.
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	var out []Process
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

// ListInstances returns a process's instances.
func (c *Client) ListInstances(ctx context.Context, processID int64) ([]Instance, error) {
	var out []Instance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/processes/%d/instances", processID), nil, &out)
	return out, err
}

// UpdateProcessConfig replaces the process config and marks instances stale.
func (c *Client) UpdateProcessConfig(ctx context.Context, processID int64, req UpdateConfigRequest) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/processes/%d/config", processID), req, nil)
}

// DeleteProcess removes a stopped process.
func (c *Client) DeleteProcess(ctx context.Context, processID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/processes/%d", processID), nil, nil)
}

type taskResp struct {
	TaskID string `json:"task_id"`
}

// ProcessAction triggers a lifecycle action for every instance of a
// process. Action is one of initialize, start, stop, force-stop, restart,
// refresh-config. It returns the created task id.
func (c *Client) ProcessAction(ctx context.Context, processID int64, action string) (string, error) {
	var out taskResp
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/processes/%d/%s", processID, action), nil, &out)
	return out.TaskID, err
}

// InstanceAction triggers a lifecycle action for one instance.
func (c *Client) InstanceAction(ctx context.Context, instanceID int64, action string) (string, error) {
	var out taskResp
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%d/%s", instanceID, action), nil, &out)
	return out.TaskID, err
}

// Scale grows or shrinks a process's fleet.
func (c *Client) Scale(ctx context.Context, processID int64, req ScaleRequest) (ScaleResult, error) {
	var out ScaleResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/processes/%d/scale", processID), req, &out)
	return out, err
}

// TaskDetail returns a task with its per-instance step progress.
func (c *Client) TaskDetail(ctx context.Context, taskID string) (TaskDetail, error) {
	var out TaskDetail
	err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &out)
	return out, err
}

// ProcessTasks returns ids of tasks recorded for a process.
func (c *Client) ProcessTasks(ctx context.Context, processID int64) ([]string, error) {
	var out struct {
		TaskIDs []string `json:"task_ids"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/processes/%d/tasks", processID), nil, &out)
	return out.TaskIDs, err
}
