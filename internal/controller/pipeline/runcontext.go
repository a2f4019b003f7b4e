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

package pipeline

import (
	"context"

	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// emitFunc appends an event for the running workflow, snapshotting the
// pipeline's current state into the Event Store alongside it.
type emitFunc func(eventType orchestrator.EventType, message string, data map[string]any) error

// RunContext is the per-run handle a graph's nodes operate on. One is
// created per Runner.Run call; it is not shared across workflows.
type RunContext struct {
	Workflow            *orchestrator.Workflow
	State               *ImplementationState
	Agent               Agent
	Approvals           *approval.Registry
	MaxReviewIterations int

	// Vars is the expr routing context: a flat view of the outcome of
	// the node that just ran, consulted by Graph.route to pick the next
	// edge. Nodes should treat it as write-only scratch space for
	// routing, not as durable state (see State for that).
	Vars map[string]any

	emit emitFunc
	// loadExternalPlan re-reads the workflow's persisted plan_content,
	// if any. It exists so a plan supplied after Start (REST
	// POST /workflows/{id}/plan) can still be picked up by the planning
	// node, which otherwise only sees the plan captured in InitialState
	// at the moment Run began.
	loadExternalPlan func(ctx context.Context) (string, bool)
}

// LoadExternalPlan re-reads the workflow's persisted plan_content, if
// any has been set since this run started.
func (rc *RunContext) LoadExternalPlan(ctx context.Context) (string, bool) {
	if rc.loadExternalPlan == nil {
		return "", false
	}
	return rc.loadExternalPlan(ctx)
}

// Emit appends an event caused by the currently running node.
func (rc *RunContext) Emit(eventType orchestrator.EventType, message string, data map[string]any) error {
	return rc.emit(eventType, message, data)
}
