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

	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// implementationPipeline is the default "implementation" pipeline: an
// Architect produces a plan, an operator validates it at an approval
// gate, then a Developer/Reviewer pair works through the plan's tasks
// one at a time, bounded by maxReviewIterations per task.
type implementationPipeline struct {
	maxReviewIterations int
	graph               *Graph
}

// NewImplementationPipeline builds the default pipeline's graph.
func NewImplementationPipeline(maxReviewIterations int) Pipeline {
	p := &implementationPipeline{maxReviewIterations: maxReviewIterations}
	p.graph = p.buildGraph()
	return p
}

func (p *implementationPipeline) Name() string        { return DefaultPipelineName }
func (p *implementationPipeline) DisplayName() string  { return "Implementation" }
func (p *implementationPipeline) Description() string {
	return "Plans a change, validates the plan, then implements and reviews it one task at a time."
}
func (p *implementationPipeline) Graph() *Graph { return p.graph }

// InitialState builds the typed state for a new run. inputs carries
// Start's issue_id/profile/plan_content values (see supervisor.StartRequest
// and Runner.Run).
func (p *implementationPipeline) InitialState(inputs map[string]any) any {
	st := &ImplementationState{
		BaseState: BaseState{
			WorkflowID: stringInput(inputs, "workflow_id"),
			Profile:    stringInput(inputs, "profile"),
		},
	}
	if plan, ok := inputs["plan_content"].(string); ok && plan != "" {
		st.ExternalPlan = true
		st.Plan = plan
		st.Tasks = []Task{{ID: "task-1", Title: "implement the supplied plan", Status: TaskPending}}
	}
	return st
}

func stringInput(inputs map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}

// buildGraph wires the node/edge table described in the Runner
// contract: plan -> validate_plan -> execute_task <-> review ->
// complete, with a fail_workflow sink reachable from either the
// developer or the reviewer side.
func (p *implementationPipeline) buildGraph() *Graph {
	g := NewGraph("plan")

	g.AddNode(&Node{Name: "plan", Run: nodePlan})
	g.AddEdge("plan", Edge{To: "validate_plan"})

	g.AddNode(&Node{Name: "validate_plan", Run: nodeValidatePlan})
	g.AddEdge("validate_plan", Edge{To: "execute_task", When: `approval == "approved"`})

	g.AddNode(&Node{Name: "execute_task", Run: nodeExecuteTask})
	g.AddEdge("execute_task", Edge{To: "complete", When: `task_status == "all_done"`})
	g.AddEdge("execute_task", Edge{To: "fail_workflow", When: `task_status == "failed"`})
	g.AddEdge("execute_task", Edge{To: "review"})

	g.AddNode(&Node{Name: "review", Run: nodeReview(p.maxReviewIterations)})
	g.AddEdge("review", Edge{To: "fail_workflow", When: `review_outcome == "exhausted"`})
	g.AddEdge("review", Edge{To: "execute_task"})

	g.AddNode(&Node{Name: "fail_workflow", Run: nodeFailWorkflow})
	g.AddNode(&Node{Name: "complete", Run: nodeComplete})

	return g
}

// nodePlan invokes the Architect agent to produce a plan, unless the
// workflow has an externally-supplied plan (populated by InitialState at
// creation, or set afterwards and picked up here via LoadExternalPlan);
// then it skips the Architect and only emits STAGE_COMPLETED.
func nodePlan(ctx context.Context, rc *RunContext) error {
	if !rc.State.ExternalPlan {
		if plan, ok := rc.LoadExternalPlan(ctx); ok {
			rc.State.ExternalPlan = true
			rc.State.Plan = plan
			rc.State.Tasks = []Task{{ID: "task-1", Title: "implement the supplied plan", Status: TaskPending}}
		}
	}

	if rc.State.ExternalPlan {
		rc.State.note("using externally-supplied plan")
		return rc.Emit(orchestrator.EventStageCompleted, "plan", map[string]any{"external_plan": true})
	}

	if err := rc.Emit(orchestrator.EventStageStarted, "plan", nil); err != nil {
		return err
	}

	resp, err := rc.Agent.Run(ctx, AgentRequest{
		Role:     RoleArchitect,
		Workflow: rc.Workflow,
		Prompt:   fmt.Sprintf("produce an implementation plan for issue %s", rc.Workflow.IssueID),
	})
	if err != nil {
		return rc.Emit(orchestrator.EventWorkflowFailed, fmt.Sprintf("architect failed: %v", err), nil)
	}

	rc.State.Plan = resp.Text
	rc.State.Tasks = tasksFromAgentData(resp.Data)
	rc.State.note("plan produced")

	return rc.Emit(orchestrator.EventStageCompleted, "plan", map[string]any{"task_count": len(rc.State.Tasks)})
}

func tasksFromAgentData(data map[string]any) []Task {
	raw, _ := data["tasks"].([]string)
	tasks := make([]Task, len(raw))
	for i, title := range raw {
		tasks[i] = Task{ID: fmt.Sprintf("task-%d", i+1), Title: title, Status: TaskPending}
	}
	return tasks
}

// nodeValidatePlan opens an approval gate over the plan and blocks
// until an operator approves, rejects, or the workflow is cancelled
// out from under it. The Supervisor appends the REJECTED event and the
// eventual CANCELLED event itself (see internal/controller/supervisor's
// approveMu-guarded Reject and the ensureTerminal safety net); this
// node only routes on the decision, it never emits a terminal event.
func nodeValidatePlan(ctx context.Context, rc *RunContext) error {
	workflowID := rc.Workflow.ID

	if err := rc.Approvals.Open(workflowID); err != nil {
		return fmt.Errorf("opening approval gate: %w", err)
	}
	if err := rc.Emit(orchestrator.EventApprovalRequired, "plan awaiting approval", map[string]any{"plan": rc.State.Plan}); err != nil {
		return err
	}

	result, err := rc.Approvals.Wait(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("waiting for plan approval: %w", err)
	}

	switch result.Decision {
	case approval.DecisionApproved:
		rc.Vars["approval"] = "approved"
		return nil
	case approval.DecisionRejected:
		rc.Vars["approval"] = "rejected"
		return nil
	case approval.DecisionCancelled:
		// Do not emit WORKFLOW_CANCELLED here: the context that
		// resolved this decision is the same one the Supervisor just
		// cancelled, so a write attempted against it would fail to
		// persist. Returning leaves the workflow non-terminal and lets
		// the Supervisor's own safety net append the cancellation with
		// a context that is guaranteed to still be live.
		rc.Vars["approval"] = "cancelled"
		return nil
	default:
		return fmt.Errorf("unknown approval decision %q", result.Decision)
	}
}

// nodeExecuteTask runs the Developer agent against the current task.
// When every task is done it routes to completion instead of doing
// any work.
func nodeExecuteTask(ctx context.Context, rc *RunContext) error {
	if rc.State.CurrentTaskIndex >= len(rc.State.Tasks) {
		rc.Vars["task_status"] = "all_done"
		return nil
	}

	task := rc.State.currentTask()
	task.Status = TaskInProgress

	if err := rc.Emit(orchestrator.EventTaskStarted, task.Title, map[string]any{"task_id": task.ID}); err != nil {
		return err
	}

	resp, err := rc.Agent.Run(ctx, AgentRequest{
		Role:     RoleDeveloper,
		Workflow: rc.Workflow,
		Prompt:   task.Title,
		Context:  map[string]any{"plan": rc.State.Plan},
	})
	if err != nil {
		task.Status = TaskFailed
		rc.Vars["task_status"] = "failed"
		return rc.Emit(orchestrator.EventTaskFailed, fmt.Sprintf("developer failed: %v", err), map[string]any{"task_id": task.ID})
	}

	rc.State.LastDeveloperOutput = resp.Text
	rc.Vars["task_status"] = "developed"
	return nil
}

// nodeReview runs the Reviewer agent against the Developer's last
// output. Approval advances to the next task; a requested revision
// loops back to execute_task against the same task, bounded by
// maxReviewIterations before the task (and workflow) is failed.
func nodeReview(maxReviewIterations int) NodeFunc {
	return func(ctx context.Context, rc *RunContext) error {
		task := rc.State.currentTask()
		if task == nil {
			return fmt.Errorf("review reached with no current task")
		}

		if err := rc.Emit(orchestrator.EventReviewRequested, task.Title, map[string]any{
			"task_id": task.ID, "iteration": rc.State.ReviewIteration,
		}); err != nil {
			return err
		}

		resp, err := rc.Agent.Run(ctx, AgentRequest{
			Role:     RoleReviewer,
			Workflow: rc.Workflow,
			Prompt:   rc.State.LastDeveloperOutput,
			Context:  map[string]any{"plan": rc.State.Plan},
		})
		if err != nil {
			return rc.Emit(orchestrator.EventWorkflowFailed, fmt.Sprintf("reviewer failed: %v", err), nil)
		}

		if err := rc.Emit(orchestrator.EventReviewCompleted, task.Title, map[string]any{"approved": resp.Approved}); err != nil {
			return err
		}

		if resp.Approved {
			task.Status = TaskDone
			rc.State.ReviewIteration = 0
			rc.Vars["review_outcome"] = "approved"
			if err := rc.Emit(orchestrator.EventTaskCompleted, task.Title, map[string]any{"task_id": task.ID}); err != nil {
				return err
			}
			rc.State.CurrentTaskIndex++
			return nil
		}

		rc.State.ReviewIteration++
		if rc.State.ReviewIteration > maxReviewIterations {
			task.Status = TaskFailed
			rc.Vars["review_outcome"] = "exhausted"
			return rc.Emit(orchestrator.EventTaskFailed, "exceeded max review iterations", map[string]any{"task_id": task.ID})
		}

		rc.Vars["review_outcome"] = "revise"
		return rc.Emit(orchestrator.EventRevisionRequested, resp.Text, map[string]any{
			"task_id": task.ID, "iteration": rc.State.ReviewIteration,
		})
	}
}

func nodeFailWorkflow(ctx context.Context, rc *RunContext) error {
	task := rc.State.currentTask()
	reason := "a task exceeded max review iterations"
	if task != nil {
		reason = fmt.Sprintf("task %q exceeded max review iterations", task.ID)
	}
	return rc.Emit(orchestrator.EventWorkflowFailed, reason, nil)
}

func nodeComplete(ctx context.Context, rc *RunContext) error {
	return rc.Emit(orchestrator.EventWorkflowCompleted, "all tasks completed", nil)
}
