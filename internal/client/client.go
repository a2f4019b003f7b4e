// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the amelia CLI's HTTP client for the
// orchestratord REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// Environment variables the CLI reads when flags are unset.
const (
	HostEnv  = "ORCHESTRATOR_HOST"
	TokenEnv = "ORCHESTRATOR_TOKEN"
)

// Client talks to a single orchestratord instance over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is returned for any non-2xx response the daemon sends back,
// carrying the error body's taxonomy code from internal/apierr.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator: %s (%s, status %d)", e.Message, e.Code, e.StatusCode)
}

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &APIError{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StartRequest is the body of a Start call.
type StartRequest struct {
	IssueID       string `json:"issue_id"`
	WorktreePath  string `json:"worktree_path"`
	WorktreeName  string `json:"worktree_name,omitempty"`
	Profile       string `json:"profile,omitempty"`
	Driver        string `json:"driver,omitempty"`
	PlanFile      string `json:"plan_file,omitempty"`
	PlanContent   string `json:"plan_content,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Start submits POST /workflows.
func (c *Client) Start(ctx context.Context, req StartRequest) (*orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	if err := c.do(ctx, http.MethodPost, "/workflows", req, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WorkflowDetail mirrors internal/api's GET /workflows/{id} response.
type WorkflowDetail struct {
	*orchestrator.Workflow
	RecentEvents []orchestrator.Event `json:"recent_events"`
	TotalCostUSD float64              `json:"total_cost_usd"`
}

// Get fetches GET /workflows/{id}.
func (c *Client) Get(ctx context.Context, id string) (*WorkflowDetail, error) {
	var detail WorkflowDetail
	if err := c.do(ctx, http.MethodGet, "/workflows/"+id, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListResponse mirrors GET /workflows.
type ListResponse struct {
	Workflows []*orchestrator.Workflow `json:"workflows"`
	HasMore   bool                     `json:"has_more"`
	Cursor    string                   `json:"cursor,omitempty"`
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

// List fetches GET /workflows.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	path := "/workflows?"
	if opts.Status != "" {
		path += "status=" + opts.Status + "&"
	}
	if opts.Limit > 0 {
		path += fmt.Sprintf("limit=%d&", opts.Limit)
	}
	if opts.Cursor != "" {
		path += "cursor=" + opts.Cursor
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Active fetches GET /workflows/active.
func (c *Client) Active(ctx context.Context) ([]*orchestrator.Workflow, error) {
	var out struct {
		Workflows []*orchestrator.Workflow `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflows/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// Approve calls POST /workflows/{id}/approve.
func (c *Client) Approve(ctx context.Context, id, correlationID string) (*orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	body := map[string]string{}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	if err := c.do(ctx, http.MethodPost, "/workflows/"+id+"/approve", body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Reject calls POST /workflows/{id}/reject.
func (c *Client) Reject(ctx context.Context, id, feedback, correlationID string) (*orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	body := map[string]string{"feedback": feedback}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	if err := c.do(ctx, http.MethodPost, "/workflows/"+id+"/reject", body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Cancel calls POST /workflows/{id}/cancel.
func (c *Client) Cancel(ctx context.Context, id string) (*orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	if err := c.do(ctx, http.MethodPost, "/workflows/"+id+"/cancel", nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SetPlan calls POST /workflows/{id}/plan.
func (c *Client) SetPlan(ctx context.Context, id, planContent string, force bool) (*orchestrator.Workflow, error) {
	var wf orchestrator.Workflow
	body := map[string]any{"plan_content": planContent, "force": force}
	if err := c.do(ctx, http.MethodPost, "/workflows/"+id+"/plan", body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Events calls GET /workflows/{id}/events.
func (c *Client) Events(ctx context.Context, id string, since int64) ([]orchestrator.Event, error) {
	path := fmt.Sprintf("/workflows/%s/events?since=%d", id, since)
	var out struct {
		Events []orchestrator.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// HealthStatus mirrors the daemon's /health/ready response.
type HealthStatus struct {
	Status string `json:"status"`
}

// Ready calls GET /health/ready.
func (c *Client) Ready(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health/ready", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
