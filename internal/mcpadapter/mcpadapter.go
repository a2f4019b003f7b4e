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

// Package mcpadapter exposes the Supervisor's Start/Approve/Reject/
// Cancel operations, and the Pipeline Registry's plug-in contract, as
// MCP tools so an agent-side client can drive and introspect workflow
// orchestration without going through the REST API.
package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amelia-dev/orchestrator/internal/controller/pipeline"
	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/store"
)

// Server wraps an MCP server exposing orchestrator tools over stdio.
type Server struct {
	mcpServer *server.MCPServer
	sup       *supervisor.Supervisor
	store     *store.Store
	pipelines *pipeline.Registry
	logger    *slog.Logger
}

// Config configures a Server.
type Config struct {
	Name      string
	Version   string
	Supervisor *supervisor.Supervisor
	Store      *store.Store
	Pipelines  *pipeline.Registry
	Logger     *slog.Logger
}

// New creates an MCP server with the orchestrator's lifecycle tools
// registered.
func New(cfg Config) (*Server, error) {
	name := cfg.Name
	if name == "" {
		name = "orchestrator"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(name, version),
		sup:       cfg.Supervisor,
		store:     cfg.Store,
		pipelines: cfg.Pipelines,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workflow_start",
		Description: "Start a new implementation workflow against a worktree. Fails if the worktree is already busy or the concurrency limit is reached.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"issue_id":       map[string]interface{}{"type": "string", "description": "Tracker issue id driving this workflow"},
				"worktree_path":  map[string]interface{}{"type": "string", "description": "Absolute path to a git worktree"},
				"worktree_name":  map[string]interface{}{"type": "string", "description": "Friendly worktree label"},
				"profile":        map[string]interface{}{"type": "string", "description": "Pipeline name to run (default: implementation)"},
				"plan_content":   map[string]interface{}{"type": "string", "description": "Externally-supplied plan that skips the Architect planning stage"},
				"correlation_id": map[string]interface{}{"type": "string", "description": "Caller-supplied id echoed back on every resulting event"},
			},
			Required: []string{"issue_id", "worktree_path"},
		},
	}, s.handleStart)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workflow_approve",
		Description: "Approve the pending plan for a workflow blocked on its approval gate.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id":    map[string]interface{}{"type": "string"},
				"correlation_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"workflow_id"},
		},
	}, s.handleApprove)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workflow_reject",
		Description: "Reject the pending plan for a workflow blocked on its approval gate, failing the workflow.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id":    map[string]interface{}{"type": "string"},
				"feedback":       map[string]interface{}{"type": "string", "description": "Reviewer feedback recorded on the rejection event"},
				"correlation_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"workflow_id", "feedback"},
		},
	}, s.handleReject)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workflow_cancel",
		Description: "Cancel a workflow's executor task, if any, and resolve any open approval gate as cancelled. Idempotent.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id": map[string]interface{}{"type": "string"},
				"reason":      map[string]interface{}{"type": "string"},
			},
			Required: []string{"workflow_id"},
		},
	}, s.handleCancel)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "workflow_status",
		Description: "Fetch a workflow's current status, stage, and failure reason.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"workflow_id": map[string]interface{}{"type": "string"},
			},
			Required: []string{"workflow_id"},
		},
	}, s.handleStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "pipelines_list",
		Description: "List the pipeline names registered with this daemon (the plug-in contract).",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handlePipelinesList)
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...))
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	issueID, err := req.RequireString("issue_id")
	if err != nil {
		return errorResult("missing issue_id: %v", err), nil
	}
	worktreePath, err := req.RequireString("worktree_path")
	if err != nil {
		return errorResult("missing worktree_path: %v", err), nil
	}

	wf, err := s.sup.Start(ctx, supervisor.StartRequest{
		IssueID:       issueID,
		WorktreePath:  worktreePath,
		WorktreeName:  req.GetString("worktree_name", ""),
		Profile:       req.GetString("profile", ""),
		PlanContent:   req.GetString("plan_content", ""),
		CorrelationID: req.GetString("correlation_id", ""),
	})
	if err != nil {
		return errorResult("start failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("workflow %s started (status=%s)", wf.ID, wf.Status)), nil
}

func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return errorResult("missing workflow_id: %v", err), nil
	}
	if err := s.sup.Approve(ctx, workflowID, req.GetString("correlation_id", "")); err != nil {
		return errorResult("approve failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("workflow %s approved", workflowID)), nil
}

func (s *Server) handleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return errorResult("missing workflow_id: %v", err), nil
	}
	feedback, err := req.RequireString("feedback")
	if err != nil {
		return errorResult("missing feedback: %v", err), nil
	}
	if err := s.sup.Reject(ctx, workflowID, feedback, req.GetString("correlation_id", "")); err != nil {
		return errorResult("reject failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("workflow %s rejected", workflowID)), nil
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return errorResult("missing workflow_id: %v", err), nil
	}
	reason := req.GetString("reason", "cancelled via MCP")
	if err := s.sup.Cancel(workflowID, reason); err != nil {
		return errorResult("cancel failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("workflow %s cancelled", workflowID)), nil
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return errorResult("missing workflow_id: %v", err), nil
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return errorResult("lookup failed: %v", err), nil
	}
	return textResult(fmt.Sprintf("status=%s stage=%s failure_reason=%q", wf.Status, wf.CurrentStage, wf.FailureReason)), nil
}

func (s *Server) handlePipelinesList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := s.pipelines.Names()
	return textResult(fmt.Sprintf("%v", names)), nil
}

// Run serves the MCP tool set over stdio until ctx is done or the
// transport closes.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP adapter over stdio")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("mcp adapter: %w", err)
	}
	return nil
}
