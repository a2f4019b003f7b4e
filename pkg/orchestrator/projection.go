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

package orchestrator

import (
	"fmt"
	"sort"
	"time"
)

// Workflow is the projected state of a single workflow run.
type Workflow struct {
	ID            string         `json:"workflow_id"`
	IssueID       string         `json:"issue_id"`
	WorktreePath  string         `json:"worktree_path"`
	WorktreeName  string         `json:"worktree_name"`
	Profile       string         `json:"profile,omitempty"`
	Status        Status         `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CurrentStage  string         `json:"current_stage,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	// Driver names which LLM driver tag produced this run, carried for
	// token-accounting bookkeeping only; the core never interprets it.
	Driver string `json:"driver,omitempty"`
	// ExternalPlan is set when the caller supplied plan_file or
	// plan_content at creation, routing the pipeline past its planning
	// node straight into plan validation.
	ExternalPlan bool           `json:"external_plan,omitempty"`
	StateBlob    map[string]any `json:"state,omitempty"`
}

// Project folds a dense, sequence-ordered slice of events into a
// workflow's current state. The projection is deterministic and
// idempotent: running it twice over the same events yields the same
// result, and re-running it over a prefix and then the remainder
// yields the same result as running it once over the whole slice.
//
// Events MUST already be sorted by Sequence and MUST form a dense
// sequence starting at 1 (E3); Project does not itself validate
// density, since that is the Event Store's job at append time.
func Project(events []Event) (*Workflow, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("orchestrator: cannot project zero events")
	}

	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	first := sorted[0]
	w := &Workflow{
		ID:     first.WorkflowID,
		Status: StatusPending,
	}

	for i := range sorted {
		applyEvent(w, &sorted[i])
	}

	return w, nil
}

// applyEvent folds a single event into a workflow projection.
// Unknown or informational events are no-ops.
func applyEvent(w *Workflow, e *Event) {
	effect, ok := stateEffects[e.EventType]
	if !ok {
		return
	}

	if w.Status.Terminal() {
		// Terminal immutability (property 3): no further state-affecting
		// event may mutate a terminal workflow's projection.
		return
	}

	if effect.sideEffect != nil {
		effect.sideEffect(w, e)
	}

	if effect.to != "" {
		w.Status = effect.to
		if effect.to.Terminal() {
			t := e.Timestamp
			w.CompletedAt = &t
		}
	}
}
