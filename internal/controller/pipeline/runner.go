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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
	"github.com/amelia-dev/orchestrator/pkg/workflow/expression"
)

// Runner drives a single workflow's pipeline graph to completion,
// interruption at an approval gate, or cancellation. It implements
// internal/controller/supervisor.Executor: the Supervisor owns task
// lifecycle (one Runner.Run call per worktree at a time); the Runner
// knows nothing about worktree bookkeeping, only pipeline graphs.
type Runner struct {
	store     *store.Store
	seq       *store.SequenceAllocator
	bus       *eventbus.Bus
	approvals *approval.Registry
	pipelines *Registry
	evaluator *expression.Evaluator
	agent     Agent
}

// NewRunner builds a Runner. agent may be nil, in which case StubAgent
// is used (no LLM driver configured).
func NewRunner(st *store.Store, seq *store.SequenceAllocator, bus *eventbus.Bus, approvals *approval.Registry, pipelines *Registry, agent Agent) *Runner {
	if agent == nil {
		agent = StubAgent{}
	}
	return &Runner{
		store:     st,
		seq:       seq,
		bus:       bus,
		approvals: approvals,
		pipelines: pipelines,
		evaluator: expression.New(),
		agent:     agent,
	}
}

// Run implements supervisor.Executor. w is the workflow as it stood
// right after creation (status in_progress, WORKFLOW_STARTED already
// persisted); Run picks the pipeline named by w's profile field (or
// DefaultPipelineName) and drives its graph to a terminal event.
func (r *Runner) Run(ctx context.Context, w *orchestrator.Workflow) error {
	name := w.Profile
	if name == "" {
		name = DefaultPipelineName
	}
	p, ok := r.pipelines.Get(name)
	if !ok {
		return fmt.Errorf("pipeline: no pipeline registered for profile %q", name)
	}

	inputs := map[string]any{"workflow_id": w.ID, "profile": w.Profile}
	if plan, ok := w.StateBlob["plan_content"].(string); ok {
		inputs["plan_content"] = plan
	}
	state, ok := p.InitialState(inputs).(*ImplementationState)
	if !ok {
		return fmt.Errorf("pipeline: %q produced unsupported state type", name)
	}

	rc := &RunContext{
		Workflow:  w,
		State:     state,
		Agent:     r.agent,
		Approvals: r.approvals,
		Vars:      make(map[string]any),
		emit: func(eventType orchestrator.EventType, message string, data map[string]any) error {
			_, err := r.appendEvent(ctx, w.ID, eventType, message, data, state)
			return err
		},
		loadExternalPlan: func(ctx context.Context) (string, bool) {
			current, err := r.store.GetWorkflow(ctx, w.ID)
			if err != nil || !current.ExternalPlan {
				return "", false
			}
			plan, ok := current.StateBlob["plan_content"].(string)
			return plan, ok && plan != ""
		},
	}

	return p.Graph().Run(ctx, rc, r.evaluator)
}

// appendEvent allocates the next sequence number, appends the event,
// projects the resulting workflow state, stamps the pipeline's current
// state onto it (the "between node steps, persist to the Event Store"
// half of the C8 contract, which the generic projection fold alone
// cannot do since it only knows about state-affecting status
// transitions), and publishes the event.
func (r *Runner) appendEvent(ctx context.Context, workflowID string, eventType orchestrator.EventType, message string, data map[string]any, state *ImplementationState) (*orchestrator.Workflow, error) {
	seq, err := r.seq.Next(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("allocate event sequence: %w", err)
	}

	existing, err := r.store.GetEvents(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load event history: %w", err)
	}

	e := orchestrator.Event{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Sequence:   seq,
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		Message:    message,
		Data:       data,
	}

	updated, err := orchestrator.Project(append(existing, e))
	if err != nil {
		return nil, fmt.Errorf("project workflow state: %w", err)
	}
	if state != nil {
		updated.StateBlob = state.asMap()
	}

	if err := r.store.AppendEvent(ctx, e, updated); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	r.bus.Publish(e)
	return updated, nil
}
