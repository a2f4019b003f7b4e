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

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/amelia-dev/orchestrator/internal/apierr"
	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// createWorkflowRequest is the body of POST /workflows.
type createWorkflowRequest struct {
	IssueID       string `json:"issue_id"`
	WorktreePath  string `json:"worktree_path"`
	WorktreeName  string `json:"worktree_name,omitempty"`
	Profile       string `json:"profile,omitempty"`
	Driver        string `json:"driver,omitempty"`
	PlanFile      string `json:"plan_file,omitempty"`
	PlanContent   string `json:"plan_content,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "malformed request body", err))
		return
	}

	if req.PlanFile != "" && req.PlanContent != "" {
		h.writeError(w, apierr.New(apierr.KindInvalidRequest, "plan_file and plan_content are mutually exclusive"))
		return
	}

	planContent := req.PlanContent
	if req.PlanFile != "" {
		data, err := os.ReadFile(req.PlanFile)
		if err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "failed to read plan_file", err))
			return
		}
		planContent = string(data)
	}

	wf, err := h.supervisor.Start(r.Context(), supervisor.StartRequest{
		IssueID:       req.IssueID,
		WorktreePath:  req.WorktreePath,
		WorktreeName:  req.WorktreeName,
		Profile:       req.Profile,
		Driver:        req.Driver,
		CorrelationID: req.CorrelationID,
		PlanContent:   planContent,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, wf)
}

// listWorkflowsResponse is the body of GET /workflows.
type listWorkflowsResponse struct {
	Workflows []*orchestrator.Workflow `json:"workflows"`
	HasMore   bool                     `json:"has_more"`
	Cursor    string                   `json:"cursor,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, apierr.New(apierr.KindInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	page, err := h.store.ListWorkflows(r.Context(), store.ListFilter{
		Status:       orchestrator.Status(q.Get("status")),
		WorktreePath: q.Get("worktree"),
	}, limit, q.Get("cursor"))
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to list workflows", err))
		return
	}

	writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows: page.Workflows,
		HasMore:   page.HasMore,
		Cursor:    page.Cursor,
	})
}

// activeStatuses are the statuses GET /workflows/active reports, per
// spec section 6.
var activeStatuses = []orchestrator.Status{
	orchestrator.StatusPending,
	orchestrator.StatusInProgress,
	orchestrator.StatusBlocked,
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	var active []*orchestrator.Workflow
	for _, status := range activeStatuses {
		page, err := h.store.ListWorkflows(r.Context(), store.ListFilter{Status: status}, 1000, "")
		if err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to list active workflows", err))
			return
		}
		active = append(active, page.Workflows...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": active})
}

// workflowDetail is the body of GET /workflows/{id}: the projected
// workflow plus its recent event tail and token cost summary.
type workflowDetail struct {
	*orchestrator.Workflow
	RecentEvents []orchestrator.Event `json:"recent_events"`
	TotalCostUSD float64              `json:"total_cost_usd"`
}

// recentEventWindow bounds how many trailing events GET /workflows/{id}
// embeds inline; the full log is available from the events endpoint.
const recentEventWindow = 20

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, err, id)
		return
	}

	events, err := h.store.GetEvents(r.Context(), id)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to load events", err))
		return
	}
	if len(events) > recentEventWindow {
		events = events[len(events)-recentEventWindow:]
	}

	cost, err := h.store.TotalCost(r.Context(), id)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to total token cost", err))
		return
	}

	writeJSON(w, http.StatusOK, workflowDetail{Workflow: wf, RecentEvents: events, TotalCostUSD: cost})
}

type correlatedRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req correlatedRequest
	decodeOptionalBody(r, &req)

	if err := h.supervisor.Approve(r.Context(), id, req.CorrelationID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUpdatedWorkflow(w, r, id)
}

type rejectRequest struct {
	Feedback      string `json:"feedback"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "malformed request body", err))
		return
	}

	if err := h.supervisor.Reject(r.Context(), id, req.Feedback, req.CorrelationID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeUpdatedWorkflow(w, r, id)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.store.GetWorkflow(r.Context(), id); err != nil {
		h.writeNotFoundOrInternal(w, err, id)
		return
	}

	if err := h.supervisor.Cancel(id, "cancelled via API"); err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to cancel workflow", err))
		return
	}
	h.writeUpdatedWorkflow(w, r, id)
}

type setPlanRequest struct {
	PlanFile    string `json:"plan_file,omitempty"`
	PlanContent string `json:"plan_content,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "malformed request body", err))
		return
	}
	if req.PlanFile != "" && req.PlanContent != "" {
		h.writeError(w, apierr.New(apierr.KindInvalidRequest, "plan_file and plan_content are mutually exclusive"))
		return
	}

	content := req.PlanContent
	if req.PlanFile != "" {
		data, err := os.ReadFile(req.PlanFile)
		if err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "failed to read plan_file", err))
			return
		}
		content = string(data)
	}
	if content == "" {
		h.writeError(w, apierr.New(apierr.KindInvalidRequest, "plan_file or plan_content is required"))
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, err, id)
		return
	}
	if wf.Status != orchestrator.StatusPending && wf.CurrentStage != "" && wf.CurrentStage != "plan" {
		h.writeError(w, apierr.InvalidState("workflow has already moved past planning"))
		return
	}

	if err := h.store.SetPlanContent(r.Context(), id, content, req.Force); err != nil {
		if errors.Is(err, store.ErrPlanExists) {
			h.writeError(w, apierr.New(apierr.KindWorkflowConflict, "workflow already has an external plan; pass force to overwrite"))
			return
		}
		h.writeNotFoundOrInternal(w, err, id)
		return
	}

	h.writeUpdatedWorkflow(w, r, id)
}

type eventsResponse struct {
	Events []orchestrator.Event `json:"events"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, apierr.New(apierr.KindInvalidRequest, "since must be an integer sequence number"))
			return
		}
		since = n
	}

	events, err := h.store.GetEventsSince(r.Context(), id, since)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to load events", err))
		return
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		// gojq only understands generic JSON values, not Go structs, so
		// round-trip through encoding/json first.
		raw, err := json.Marshal(events)
		if err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to encode events for filtering", err))
			return
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to decode events for filtering", err))
			return
		}
		result, err := h.jq.Execute(r.Context(), filter, generic)
		if err != nil {
			h.writeError(w, apierr.Wrap(apierr.KindInvalidRequest, "invalid filter expression", err))
			return
		}
		writeJSON(w, http.StatusOK, filteredEventsResponse{Events: result})
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

// filteredEventsResponse is the wire shape for GET .../events?filter=...,
// where the jq expression may reshape each event arbitrarily, so Events
// can no longer be typed as []orchestrator.Event.
type filteredEventsResponse struct {
	Events any `json:"events"`
}

type tokensResponse struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	cost, err := h.store.TotalCost(r.Context(), id)
	if err != nil {
		h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to total token cost", err))
		return
	}
	writeJSON(w, http.StatusOK, tokensResponse{TotalCostUSD: cost})
}

func (h *Handler) writeUpdatedWorkflow(w http.ResponseWriter, r *http.Request, id string) {
	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeNotFoundOrInternal(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) writeNotFoundOrInternal(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, apierr.NotFound("workflow", id))
		return
	}
	h.writeError(w, apierr.Wrap(apierr.KindInternal, "failed to load workflow", err))
}

// decodeOptionalBody decodes r.Body into v if present, ignoring an
// empty body (approve's correlation_id is optional).
func decodeOptionalBody(r *http.Request, v any) {
	if r.Body == nil || r.ContentLength == 0 {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(v)
}
