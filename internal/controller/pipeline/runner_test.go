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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/internal/controller/supervisor"
	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// fakeAgent drives the pipeline deterministically for tests: Architect
// always returns a two-task plan, Developer always succeeds, and
// Reviewer's verdict is controlled per call via reviewOutcomes.
type fakeAgent struct {
	reviewOutcomes []bool // consumed in order; true = approve
	reviewCalls    int
}

func (f *fakeAgent) Run(_ context.Context, req AgentRequest) (AgentResponse, error) {
	switch req.Role {
	case RoleArchitect:
		return AgentResponse{Text: "plan", Data: map[string]any{"tasks": []string{"add feature", "add tests"}}}, nil
	case RoleDeveloper:
		return AgentResponse{Text: "diff"}, nil
	case RoleReviewer:
		approve := true
		if f.reviewCalls < len(f.reviewOutcomes) {
			approve = f.reviewOutcomes[f.reviewCalls]
		}
		f.reviewCalls++
		return AgentResponse{Approved: approve}, nil
	default:
		return AgentResponse{}, nil
	}
}

type harness struct {
	t   *testing.T
	st  *store.Store
	seq *store.SequenceAllocator
	bus *eventbus.Bus
	appr *approval.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), store.Config{Path: filepath.Join(dir, "test.db"), WAL: false})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &harness{
		t:    t,
		st:   st,
		seq:  store.NewSequenceAllocator(st),
		bus:  eventbus.New(64),
		appr: approval.NewRegistry(),
	}
}

func usableWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}
	return dir
}

func waitForStatus(t *testing.T, h *harness, workflowID string, want orchestrator.Status) *orchestrator.Workflow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, err := h.st.GetWorkflow(context.Background(), workflowID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if w.Status == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for workflow %s to reach status %s", workflowID, want)
	return nil
}

func waitForApprovalOpen(t *testing.T, h *harness, workflowID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.appr.IsOpen(workflowID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for approval gate to open for %s", workflowID)
}

func TestRunner_HappyPathCompletesAfterApproval(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	agent := &fakeAgent{}
	registry := NewDefaultRegistry(3)
	runner := NewRunner(h.st, h.seq, h.bus, h.appr, registry, agent)
	sup := supervisor.New(supervisor.Config{MaxConcurrent: 4}, h.st, h.seq, h.bus, h.appr, runner, nil)

	w, err := sup.Start(context.Background(), supervisor.StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForApprovalOpen(t, h, w.ID)
	if err := sup.Approve(context.Background(), w.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := waitForStatus(t, h, w.ID, orchestrator.StatusCompleted)

	events, err := h.st.GetEvents(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	counts := map[orchestrator.EventType]int{}
	for _, e := range events {
		counts[e.EventType]++
	}
	if counts[orchestrator.EventTaskStarted] != 2 || counts[orchestrator.EventTaskCompleted] != 2 {
		t.Errorf("expected both tasks to start and complete, got task_started=%d task_completed=%d", counts[orchestrator.EventTaskStarted], counts[orchestrator.EventTaskCompleted])
	}
	if counts[orchestrator.EventWorkflowCompleted] != 1 {
		t.Errorf("expected exactly one WORKFLOW_COMPLETED, got %d", counts[orchestrator.EventWorkflowCompleted])
	}
	_ = final
}

func TestRunner_RejectionFailsWorkflowWithoutRunningTasks(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	agent := &fakeAgent{}
	registry := NewDefaultRegistry(3)
	runner := NewRunner(h.st, h.seq, h.bus, h.appr, registry, agent)
	sup := supervisor.New(supervisor.Config{MaxConcurrent: 4}, h.st, h.seq, h.bus, h.appr, runner, nil)

	w, err := sup.Start(context.Background(), supervisor.StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForApprovalOpen(t, h, w.ID)
	if err := sup.Reject(context.Background(), w.ID, "plan needs rework", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	final := waitForStatus(t, h, w.ID, orchestrator.StatusFailed)
	if final.FailureReason != "plan needs rework" {
		t.Errorf("expected failure reason to carry feedback, got %q", final.FailureReason)
	}

	events, err := h.st.GetEvents(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	for _, e := range events {
		if e.EventType == orchestrator.EventTaskStarted {
			t.Error("expected no tasks to run after plan rejection")
		}
	}
}

func TestRunner_ExternalPlanSkipsArchitect(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	agent := &fakeAgent{}
	registry := NewDefaultRegistry(3)
	runner := NewRunner(h.st, h.seq, h.bus, h.appr, registry, agent)
	sup := supervisor.New(supervisor.Config{MaxConcurrent: 4}, h.st, h.seq, h.bus, h.appr, runner, nil)

	w, err := sup.Start(context.Background(), supervisor.StartRequest{
		IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main",
		PlanContent: "do the one thing",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForApprovalOpen(t, h, w.ID)
	if err := sup.Approve(context.Background(), w.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitForStatus(t, h, w.ID, orchestrator.StatusCompleted)

	events, err := h.st.GetEvents(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	taskStarted := 0
	for _, e := range events {
		if e.EventType == orchestrator.EventTaskStarted {
			taskStarted++
		}
	}
	if taskStarted != 1 {
		t.Errorf("expected exactly one task from the externally-supplied single-task plan, got %d", taskStarted)
	}
}

func TestRunner_ExhaustedReviewIterationsFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	// Always request a revision: review iteration bound is 1, so the
	// first task fails after exceeding it.
	agent := &fakeAgent{reviewOutcomes: []bool{false, false, false}}
	registry := NewDefaultRegistry(1)
	runner := NewRunner(h.st, h.seq, h.bus, h.appr, registry, agent)
	sup := supervisor.New(supervisor.Config{MaxConcurrent: 4}, h.st, h.seq, h.bus, h.appr, runner, nil)

	w, err := sup.Start(context.Background(), supervisor.StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForApprovalOpen(t, h, w.ID)
	if err := sup.Approve(context.Background(), w.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := waitForStatus(t, h, w.ID, orchestrator.StatusFailed)
	if final.FailureReason == "" {
		t.Error("expected a failure reason naming the exhausted task")
	}
}

func TestRunner_CancelDuringApprovalWaitEndsCancelled(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	agent := &fakeAgent{}
	registry := NewDefaultRegistry(3)
	runner := NewRunner(h.st, h.seq, h.bus, h.appr, registry, agent)
	sup := supervisor.New(supervisor.Config{MaxConcurrent: 4}, h.st, h.seq, h.bus, h.appr, runner, nil)

	w, err := sup.Start(context.Background(), supervisor.StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForApprovalOpen(t, h, w.ID)
	if err := sup.Cancel(w.ID, "worktree removed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForStatus(t, h, w.ID, orchestrator.StatusCancelled)
}
