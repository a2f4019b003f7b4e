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

// BaseState holds the fields every pipeline's typed state carries,
// regardless of which graph it runs. Pipeline-specific state embeds
// this rather than inheriting from it, following the composition
// pattern called for when the source material leans on dynamically
// typed, deeply-inherited graph state.
type BaseState struct {
	WorkflowID string
	Profile    string
	History    []string
}

// note appends a short breadcrumb to the state's history, surfaced for
// debugging and for the informational events a node emits.
func (b *BaseState) note(msg string) {
	b.History = append(b.History, msg)
}

// TaskStatus is the lifecycle status of one plan task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Task is one unit of work carved out of the Architect's plan.
type Task struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// ImplementationState is the typed state of the default "implementation"
// pipeline: produce a plan, validate it, then execute and review plan
// tasks one at a time.
type ImplementationState struct {
	BaseState

	ExternalPlan        bool   `json:"external_plan"`
	Plan                string `json:"plan"`
	Tasks               []Task `json:"tasks"`
	CurrentTaskIndex    int    `json:"current_task_index"`
	ReviewIteration     int    `json:"review_iteration"`
	LastDeveloperOutput string `json:"last_developer_output,omitempty"`
}

// asMap flattens state into the shape the Event Store's StateBlob
// column and the expr routing context both expect: plain
// JSON-marshalable data, not a pointer to the live struct.
func (s *ImplementationState) asMap() map[string]any {
	tasks := make([]map[string]any, len(s.Tasks))
	for i, t := range s.Tasks {
		tasks[i] = map[string]any{"id": t.ID, "title": t.Title, "status": string(t.Status)}
	}
	return map[string]any{
		"profile":            s.Profile,
		"history":            s.History,
		"external_plan":      s.ExternalPlan,
		"plan":               s.Plan,
		"tasks":              tasks,
		"current_task_index": s.CurrentTaskIndex,
		"review_iteration":   s.ReviewIteration,
	}
}

func (s *ImplementationState) currentTask() *Task {
	if s.CurrentTaskIndex < 0 || s.CurrentTaskIndex >= len(s.Tasks) {
		return nil
	}
	return &s.Tasks[s.CurrentTaskIndex]
}
