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

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/orchestrator/internal/apierr"
	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// execFunc adapts a plain function to the Executor interface, which
// the pipeline runner (C8) implements in production.
type execFunc func(ctx context.Context, w *orchestrator.Workflow) error

func (f execFunc) Run(ctx context.Context, w *orchestrator.Workflow) error { return f(ctx, w) }

type harness struct {
	t    *testing.T
	st   *store.Store
	seq  *store.SequenceAllocator
	bus  *eventbus.Bus
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

func (h *harness) supervisor(maxConcurrent int, exec Executor) *Supervisor {
	return New(Config{MaxConcurrent: maxConcurrent}, h.st, h.seq, h.bus, h.appr, exec, nil)
}

// appendDirect emulates what the pipeline runner does:
// append an event outside the supervisor's own bookkeeping, the way a
// real executor mutates workflow state as it runs.
func (h *harness) appendDirect(workflowID string, eventType orchestrator.EventType, message string) *orchestrator.Workflow {
	h.t.Helper()
	ctx := context.Background()
	seq, err := h.seq.Next(ctx, workflowID)
	if err != nil {
		h.t.Fatalf("allocate sequence: %v", err)
	}
	existing, err := h.st.GetEvents(ctx, workflowID)
	if err != nil {
		h.t.Fatalf("get events: %v", err)
	}
	e := orchestrator.Event{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Sequence:   seq,
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		Message:    message,
	}
	updated, err := orchestrator.Project(append(existing, e))
	if err != nil {
		h.t.Fatalf("project: %v", err)
	}
	if err := h.st.AppendEvent(ctx, e, updated); err != nil {
		h.t.Fatalf("append event: %v", err)
	}
	h.bus.Publish(e)
	return updated
}

func usableWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}
	return dir
}

func waitForActiveCount(t *testing.T, s *Supervisor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.ActiveCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for active count to reach %d (still %d)", want, s.ActiveCount())
}

func TestSupervisor_StartHappyPath(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		h.appendDirect(w.ID, orchestrator.EventStageStarted, "planning")
		h.appendDirect(w.ID, orchestrator.EventWorkflowCompleted, "")
		return nil
	})
	s := h.supervisor(4, exec)

	w, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if w.Status != orchestrator.StatusPending && w.Status != orchestrator.StatusInProgress {
		t.Errorf("unexpected initial status: %s", w.Status)
	}

	waitForActiveCount(t, s, 0)

	final, err := h.st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if _, ok := s.WorkflowByWorktree(worktree); ok {
		t.Error("expected worktree to be released after completion")
	}
}

func TestSupervisor_StartRejectsConflictingWorktree(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	block := make(chan struct{})
	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		<-ctx.Done()
		close(block)
		return ctx.Err()
	})
	s := h.supervisor(4, exec)

	if _, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"}); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-2", WorktreePath: worktree, WorktreeName: "main"})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindWorkflowConflict {
		t.Fatalf("expected WORKFLOW_CONFLICT, got %v", err)
	}

	if err := s.Stop(context.Background(), "test teardown"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-block
}

func TestSupervisor_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	worktreeA := usableWorktree(t)
	worktreeB := usableWorktree(t)

	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := h.supervisor(1, exec)

	if _, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktreeA, WorktreeName: "main"}); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-2", WorktreePath: worktreeB, WorktreeName: "main"})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindConcurrencyLimit {
		t.Fatalf("expected CONCURRENCY_LIMIT, got %v", err)
	}

	if err := s.Stop(context.Background(), "test teardown"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSupervisor_ApproveUnblocksAndRecordsGrant(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		h.appendDirect(w.ID, orchestrator.EventApprovalRequired, "")
		if err := h.appr.Open(w.ID); err != nil {
			return err
		}
		res, err := h.appr.Wait(ctx, w.ID)
		if err != nil {
			return err
		}
		if res.Decision == approval.DecisionApproved {
			h.appendDirect(w.ID, orchestrator.EventWorkflowCompleted, "")
		}
		return nil
	})
	s := h.supervisor(4, exec)

	w, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !h.appr.IsOpen(w.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.appr.IsOpen(w.ID) {
		t.Fatal("timed out waiting for approval gate to open")
	}

	if err := s.Approve(context.Background(), w.ID, "corr-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	waitForActiveCount(t, s, 0)

	final, err := h.st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != orchestrator.StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}

	events, err := h.st.GetEvents(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var sawGrant bool
	for _, e := range events {
		if e.EventType == orchestrator.EventApprovalGranted {
			sawGrant = true
			if e.CorrelationID != "corr-1" {
				t.Errorf("expected correlation id to be threaded through, got %q", e.CorrelationID)
			}
		}
	}
	if !sawGrant {
		t.Error("expected an APPROVAL_GRANTED event in the log")
	}
}

func TestSupervisor_RejectTransitionsToFailedAndCancelsExecutor(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	executorSawCancel := make(chan struct{})
	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		if err := h.appr.Open(w.ID); err != nil {
			return err
		}
		if _, err := h.appr.Wait(ctx, w.ID); err != nil {
			return err
		}
		<-ctx.Done()
		close(executorSawCancel)
		return ctx.Err()
	})
	s := h.supervisor(4, exec)

	w, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !h.appr.IsOpen(w.ID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Reject(context.Background(), w.ID, "needs more tests", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	select {
	case <-executorSawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reject to cancel the blocked executor")
	}

	waitForActiveCount(t, s, 0)

	final, err := h.st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != orchestrator.StatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if final.FailureReason != "needs more tests" {
		t.Errorf("expected failure reason to carry feedback, got %q", final.FailureReason)
	}
}

func TestSupervisor_CancelOfUnknownWorkflowIsNoop(t *testing.T) {
	h := newHarness(t)
	s := h.supervisor(4, execFunc(func(ctx context.Context, w *orchestrator.Workflow) error { return nil }))

	if err := s.Cancel("ghost-workflow", "no such workflow"); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
}

func TestSupervisor_CancelForcesTerminalCancelledState(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)

	exec := execFunc(func(ctx context.Context, w *orchestrator.Workflow) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := h.supervisor(4, exec)

	w, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Cancel(w.ID, "worktree removed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForActiveCount(t, s, 0)

	final, err := h.st.GetWorkflow(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != orchestrator.StatusCancelled {
		t.Errorf("expected cancelled, got %s", final.Status)
	}
}

func TestSupervisor_StartRejectsMissingWorktree(t *testing.T) {
	h := newHarness(t)
	s := h.supervisor(4, execFunc(func(ctx context.Context, w *orchestrator.Workflow) error { return nil }))

	_, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: filepath.Join(t.TempDir(), "does-not-exist"), WorktreeName: "main"})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestSupervisor_StartRejectsWhileDraining(t *testing.T) {
	h := newHarness(t)
	worktree := usableWorktree(t)
	s := h.supervisor(4, execFunc(func(ctx context.Context, w *orchestrator.Workflow) error { return nil }))
	s.StartDraining()

	_, err := s.Start(context.Background(), StartRequest{IssueID: "ISSUE-1", WorktreePath: worktree, WorktreeName: "main"})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindShuttingDown {
		t.Fatalf("expected SHUTTING_DOWN, got %v", err)
	}
}
