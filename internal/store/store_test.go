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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Path: filepath.Join(dir, "test.db"), WAL: false})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func firstEvent(workflowID string) orchestrator.Event {
	return orchestrator.Event{
		ID:         "ev-1",
		WorkflowID: workflowID,
		Sequence:   1,
		Timestamp:  time.Now().UTC(),
		EventType:  orchestrator.EventWorkflowStarted,
	}
}

func TestCreateWorkflow_AndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{
		ID:           "wf-1",
		IssueID:      "ISSUE-1",
		WorktreePath: "/tmp/wt-1",
		Status:       orchestrator.StatusPending,
	}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.IssueID != "ISSUE-1" || got.Status != orchestrator.StatusPending {
		t.Errorf("unexpected workflow: %+v", got)
	}

	events, err := s.GetEvents(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != orchestrator.EventWorkflowStarted {
		t.Errorf("expected one started event, got %+v", events)
	}
}

func TestCreateWorkflow_ConflictOnActiveWorktree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w1 := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/shared", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w1, firstEvent(w1.ID)); err != nil {
		t.Fatalf("create first workflow: %v", err)
	}

	w2 := &orchestrator.Workflow{ID: "wf-2", IssueID: "B", WorktreePath: "/tmp/shared", Status: orchestrator.StatusPending}
	err := s.CreateWorkflow(ctx, w2, firstEvent(w2.ID))
	if err != ErrWorktreeConflict {
		t.Fatalf("expected ErrWorktreeConflict, got %v", err)
	}
}

func TestCreateWorkflow_AllowsNewWorkflowAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w1 := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/shared", Status: orchestrator.StatusCompleted}
	if err := s.CreateWorkflow(ctx, w1, firstEvent(w1.ID)); err != nil {
		t.Fatalf("create first workflow: %v", err)
	}

	w2 := &orchestrator.Workflow{ID: "wf-2", IssueID: "B", WorktreePath: "/tmp/shared", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w2, firstEvent(w2.ID)); err != nil {
		t.Fatalf("expected second workflow on same worktree to succeed once first is terminal, got %v", err)
	}
}

func TestAppendEvent_SequenceConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := firstEvent(w.ID)
	dup.ID = "ev-dup"
	err := s.AppendEvent(ctx, dup, w)
	if err != ErrSequenceConflict {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
}

func TestAppendEvent_UpdatesSnapshotAndAppendsEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatalf("create: %v", err)
	}

	w.Status = orchestrator.StatusInProgress
	ev := orchestrator.Event{ID: "ev-2", WorkflowID: w.ID, Sequence: 2, Timestamp: time.Now().UTC(), EventType: orchestrator.EventStageStarted}
	if err := s.AppendEvent(ctx, ev, w); err != nil {
		t.Fatalf("append event: %v", err)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != orchestrator.StatusInProgress {
		t.Errorf("expected snapshot status updated, got %s", got.Status)
	}

	events, err := s.GetEvents(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestGetMaxSequence_AndEventExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}

	max, err := s.GetMaxSequence(ctx, w.ID)
	if err != nil || max != 1 {
		t.Fatalf("expected max sequence 1, got %d err %v", max, err)
	}

	exists, err := s.EventExists(ctx, w.ID, 1)
	if err != nil || !exists {
		t.Fatalf("expected sequence 1 to exist, got %v err %v", exists, err)
	}
	exists, err = s.EventExists(ctx, w.ID, 99)
	if err != nil || exists {
		t.Fatalf("expected sequence 99 to not exist, got %v err %v", exists, err)
	}
}

func TestListActiveWorktrees_ExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/active", Status: orchestrator.StatusInProgress}
	done := &orchestrator.Workflow{ID: "wf-2", IssueID: "B", WorktreePath: "/tmp/done", Status: orchestrator.StatusCompleted}
	if err := s.CreateWorkflow(ctx, active, firstEvent(active.ID)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateWorkflow(ctx, done, firstEvent(done.ID)); err != nil {
		t.Fatal(err)
	}

	activeMap, err := s.ListActiveWorktrees(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := activeMap["/tmp/active"]; !ok {
		t.Error("expected active worktree to be listed")
	}
	if _, ok := activeMap["/tmp/done"]; ok {
		t.Error("expected terminal worktree to be excluded")
	}
}

func TestListNonTerminal_AndMarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusInProgress}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}

	nonTerminal, err := s.ListNonTerminal(ctx)
	if err != nil || len(nonTerminal) != 1 {
		t.Fatalf("expected 1 non-terminal workflow, got %d err %v", len(nonTerminal), err)
	}

	if err := s.MarkFailed(ctx, w.ID, "crash recovery"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != orchestrator.StatusFailed || got.FailureReason != "crash recovery" {
		t.Errorf("expected failed status with reason, got %+v", got)
	}
}

func TestTokenUsage_RecordAndTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusInProgress}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}

	u := orchestrator.TokenUsage{WorkflowID: w.ID, Agent: "developer", Model: "claude-test", InputTokens: 1000, OutputTokens: 500}
	if err := s.RecordTokenUsage(ctx, u, 1.25); err != nil {
		t.Fatalf("record token usage: %v", err)
	}
	if err := s.RecordTokenUsage(ctx, u, 0.75); err != nil {
		t.Fatalf("record token usage: %v", err)
	}

	total, err := s.TotalCost(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2.0 {
		t.Errorf("expected total cost 2.0, got %v", total)
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("second open (re-running migrations): %v", err)
	}
	s2.Close()
}

func TestListWorkflows_FiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	mk := func(id, worktree string, status orchestrator.Status, startedAt time.Time) *orchestrator.Workflow {
		st := startedAt
		return &orchestrator.Workflow{
			ID: id, IssueID: "A", WorktreePath: worktree, Status: status, StartedAt: &st,
		}
	}

	workflows := []*orchestrator.Workflow{
		mk("wf-1", "/tmp/wt-1", orchestrator.StatusInProgress, base.Add(1*time.Minute)),
		mk("wf-2", "/tmp/wt-2", orchestrator.StatusCompleted, base.Add(2*time.Minute)),
		mk("wf-3", "/tmp/wt-3", orchestrator.StatusInProgress, base.Add(3*time.Minute)),
	}
	for _, w := range workflows {
		if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
			t.Fatalf("create %s: %v", w.ID, err)
		}
	}

	page, err := s.ListWorkflows(ctx, ListFilter{Status: orchestrator.StatusInProgress}, 50, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Workflows) != 2 {
		t.Fatalf("expected 2 in_progress workflows, got %d", len(page.Workflows))
	}
	if page.Workflows[0].ID != "wf-3" || page.Workflows[1].ID != "wf-1" {
		t.Fatalf("expected newest-first order, got %s then %s", page.Workflows[0].ID, page.Workflows[1].ID)
	}
	if page.HasMore {
		t.Error("expected no further pages")
	}

	first, err := s.ListWorkflows(ctx, ListFilter{}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Workflows) != 2 || !first.HasMore || first.Cursor == "" {
		t.Fatalf("expected a 2-item page with more to come, got %+v", first)
	}

	second, err := s.ListWorkflows(ctx, ListFilter{}, 2, first.Cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Workflows) != 1 || second.HasMore {
		t.Fatalf("expected the final single-item page, got %+v", second)
	}
	if second.Workflows[0].ID != "wf-1" {
		t.Fatalf("expected wf-1 as the oldest remaining workflow, got %s", second.Workflows[0].ID)
	}
}
