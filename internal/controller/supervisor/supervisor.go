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

// Package supervisor owns the map from worktree path to executor task
// (C7). It is the only place that may start, approve, reject, or
// cancel a workflow, and the only place that knows which worktrees are
// currently busy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/orchestrator/internal/apierr"
	"github.com/amelia-dev/orchestrator/internal/approval"
	"github.com/amelia-dev/orchestrator/internal/eventbus"
	"github.com/amelia-dev/orchestrator/internal/store"
	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// Executor runs a workflow's pipeline to completion, interruption at an
// approval gate, or cancellation. This is the seam the pipeline runner
// (C8) plugs into; the supervisor itself knows nothing about pipeline
// graphs, only about task lifecycle.
type Executor interface {
	Run(ctx context.Context, w *orchestrator.Workflow) error
}

// Config configures a Supervisor.
type Config struct {
	// MaxConcurrent bounds the number of workflows that may be
	// in-flight at once (the global concurrency cap). Non-positive
	// falls back to 4.
	MaxConcurrent int
}

// task tracks one running executor, pinned to a single worktree path
// for its lifetime.
type task struct {
	workflowID   string
	worktreePath string
	cancel       context.CancelFunc
}

// Supervisor owns worktree_path -> ExecutorTask (C7). All public
// operations are safe for concurrent use.
type Supervisor struct {
	store     *store.Store
	seq       *store.SequenceAllocator
	bus       *eventbus.Bus
	approvals *approval.Registry
	executor  Executor
	logger    *slog.Logger

	semaphore chan struct{}

	// mu guards the active task maps (S3: active_tasks mutated only
	// under this lock).
	mu              sync.Mutex
	tasksByWorktree map[string]*task
	tasksByWorkflow map[string]*task

	// approveMu is the "single registry-wide mutex" spec section 4.6
	// requires across approve/reject/cancel resolution: it is held
	// across "is a gate open, append its event, resolve the gate" so
	// the waiting executor never observes the resolution before the
	// event that caused it is already durable and published.
	approveMu sync.Mutex

	draining atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Supervisor. logger may be nil; it is used only for
// best-effort diagnostics around the S2 safety net, never to report
// operation outcomes back to callers.
func New(cfg Config, st *store.Store, seq *store.SequenceAllocator, bus *eventbus.Bus, approvals *approval.Registry, executor Executor, logger *slog.Logger) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Supervisor{
		store:           st,
		seq:             seq,
		bus:             bus,
		approvals:       approvals,
		executor:        executor,
		logger:          logger,
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		tasksByWorktree: make(map[string]*task),
		tasksByWorkflow: make(map[string]*task),
	}
}

// StartRequest is the input to Start.
type StartRequest struct {
	IssueID       string
	WorktreePath  string
	WorktreeName  string
	Profile       string
	Driver        string
	CorrelationID string

	// PlanContent, when non-empty, supplies an externally-produced plan
	// (REST POST /workflows plan_file XOR plan_content) and routes the
	// pipeline runner past its planning node directly into validation.
	PlanContent string
}

// Start validates the request, creates a pending workflow record, and
// spawns an executor task pinned to WorktreePath. It enforces S1 (one
// executor per worktree) and the global concurrency cap before any
// database write happens.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*orchestrator.Workflow, error) {
	if s.draining.Load() {
		return nil, apierr.ShuttingDown()
	}
	if err := orchestrator.ValidateIssueID(req.IssueID); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "invalid issue id", err)
	}
	if err := orchestrator.ValidateWorktreePath(req.WorktreePath); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "invalid worktree path", err)
	}
	if err := checkWorktreeDirectory(req.WorktreePath); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "worktree is not usable", err)
	}

	s.mu.Lock()
	if _, busy := s.tasksByWorktree[req.WorktreePath]; busy {
		s.mu.Unlock()
		return nil, apierr.WorkflowConflict(req.WorktreePath)
	}
	select {
	case s.semaphore <- struct{}{}:
	default:
		s.mu.Unlock()
		return nil, apierr.ConcurrencyLimit(cap(s.semaphore))
	}
	// Reserve the worktree slot now, under the same lock as the
	// semaphore acquire, so a second Start racing this one observes
	// either the conflict or the concurrency limit rather than a gap
	// where both appear free.
	s.tasksByWorktree[req.WorktreePath] = &task{worktreePath: req.WorktreePath}
	s.mu.Unlock()

	workflowID := uuid.New().String()
	now := time.Now().UTC()
	first := orchestrator.Event{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Sequence:      1,
		Timestamp:     now,
		EventType:     orchestrator.EventWorkflowStarted,
		CorrelationID: req.CorrelationID,
	}
	projected, err := orchestrator.Project([]orchestrator.Event{first})
	if err != nil {
		s.releaseSlot(req.WorktreePath)
		return nil, apierr.Wrap(apierr.KindInternal, "failed to project initial workflow state", err)
	}
	projected.IssueID = req.IssueID
	projected.WorktreePath = req.WorktreePath
	projected.WorktreeName = req.WorktreeName
	projected.Profile = req.Profile
	projected.Driver = req.Driver
	if req.PlanContent != "" {
		projected.ExternalPlan = true
		projected.StateBlob = map[string]any{"plan_content": req.PlanContent}
	}

	if err := s.store.CreateWorkflow(ctx, projected, first); err != nil {
		s.releaseSlot(req.WorktreePath)
		if errors.Is(err, store.ErrWorktreeConflict) {
			return nil, apierr.WorkflowConflict(req.WorktreePath)
		}
		return nil, apierr.Wrap(apierr.KindInternal, "failed to persist new workflow", err)
	}
	s.bus.Publish(first)

	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		workflowID:   workflowID,
		worktreePath: req.WorktreePath,
		cancel:       cancel,
	}

	s.mu.Lock()
	s.tasksByWorktree[req.WorktreePath] = t
	s.tasksByWorkflow[workflowID] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runTask(taskCtx, t)

	return projected, nil
}

func (s *Supervisor) releaseSlot(worktreePath string) {
	s.mu.Lock()
	delete(s.tasksByWorktree, worktreePath)
	s.mu.Unlock()
	<-s.semaphore
}

// runTask drives a single executor to completion and guarantees the
// workflow reaches a terminal state before the task's bookkeeping is
// torn down (S2).
func (s *Supervisor) runTask(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer s.teardown(t)

	w, err := s.store.GetWorkflow(ctx, t.workflowID)
	if err != nil {
		s.logError("supervisor: failed to load workflow before execution", t.workflowID, err)
		return
	}

	runErr := s.executor.Run(ctx, w)
	s.ensureTerminal(t.workflowID, runErr, ctx.Err())
}

// ensureTerminal is the safety net for S2: whatever the executor did,
// the workflow must end in a terminal status. If the executor already
// emitted a terminal event this is a no-op (events targeting a
// terminal workflow are dropped by projection).
func (s *Supervisor) ensureTerminal(workflowID string, runErr, ctxErr error) {
	w, err := s.store.GetWorkflow(context.Background(), workflowID)
	if err != nil {
		s.logError("supervisor: failed to load workflow after execution", workflowID, err)
		return
	}
	if w.Status.Terminal() {
		s.seq.Forget(workflowID)
		return
	}

	eventType := orchestrator.EventWorkflowFailed
	reason := "executor exited without reaching a terminal state"
	if runErr != nil {
		reason = runErr.Error()
	}
	if errors.Is(ctxErr, context.Canceled) {
		eventType = orchestrator.EventWorkflowCancelled
		reason = "workflow cancelled"
	}

	if _, err := s.appendEvent(context.Background(), workflowID, eventType, reason, ""); err != nil {
		s.logError("supervisor: failed to force terminal state", workflowID, err)
	}
	s.seq.Forget(workflowID)
}

func (s *Supervisor) teardown(t *task) {
	s.mu.Lock()
	if cur, ok := s.tasksByWorktree[t.worktreePath]; ok && cur == t {
		delete(s.tasksByWorktree, t.worktreePath)
	}
	delete(s.tasksByWorkflow, t.workflowID)
	s.mu.Unlock()
	<-s.semaphore
}

// Approve resolves a pending approval gate for workflowID with
// DecisionApproved and records APPROVAL_GRANTED. The event is appended
// before the gate is resolved so the waiting executor never observes
// the approval before it is durable (see approveMu).
func (s *Supervisor) Approve(ctx context.Context, workflowID, correlationID string) error {
	s.approveMu.Lock()
	defer s.approveMu.Unlock()

	if !s.approvals.IsOpen(workflowID) {
		return apierr.InvalidState("no pending approval gate for this workflow")
	}
	if _, err := s.appendEvent(ctx, workflowID, orchestrator.EventApprovalGranted, "", correlationID); err != nil {
		return err
	}
	if err := s.approvals.Approve(workflowID); err != nil {
		return mapApprovalError(err)
	}
	return nil
}

// Reject resolves a pending approval gate for workflowID with
// DecisionRejected, records APPROVAL_REJECTED with feedback (which
// transitions the workflow to failed, see pkg/orchestrator/event.go),
// and cancels the executor so it tears down promptly.
func (s *Supervisor) Reject(ctx context.Context, workflowID, feedback, correlationID string) error {
	s.approveMu.Lock()
	if !s.approvals.IsOpen(workflowID) {
		s.approveMu.Unlock()
		return apierr.InvalidState("no pending approval gate for this workflow")
	}
	_, err := s.appendEvent(ctx, workflowID, orchestrator.EventApprovalRejected, feedback, correlationID)
	if err != nil {
		s.approveMu.Unlock()
		return err
	}
	err = s.approvals.Reject(workflowID, feedback)
	s.approveMu.Unlock()
	if err != nil {
		return mapApprovalError(err)
	}

	s.cancelTask(workflowID)
	return nil
}

func mapApprovalError(err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return apierr.InvalidState("no pending approval gate for this workflow")
	case errors.Is(err, approval.ErrAlreadyResolved):
		return apierr.InvalidState("approval gate already resolved")
	default:
		return apierr.Wrap(apierr.KindInternal, "failed to resolve approval gate", err)
	}
}

// Cancel stops the executor task for workflowID, if any, and resolves
// any approval gate it is blocked on as DecisionCancelled. Cancelling a
// workflow with no active task is a no-op: the caller reads the
// already-terminal status separately (idempotent per spec section 5).
func (s *Supervisor) Cancel(workflowID, reason string) error {
	t := s.cancelTask(workflowID)
	if t == nil {
		return nil
	}
	s.cancelApprovalIfOpen(workflowID, reason)
	return nil
}

// cancelApprovalIfOpen resolves workflowID's approval gate as
// DecisionCancelled if one is open, serialized against Approve/Reject
// by approveMu (see Approve's doc comment).
func (s *Supervisor) cancelApprovalIfOpen(workflowID, reason string) {
	s.approveMu.Lock()
	defer s.approveMu.Unlock()
	if !s.approvals.IsOpen(workflowID) {
		return
	}
	if err := s.approvals.Cancel(workflowID, reason); err != nil && !errors.Is(err, approval.ErrNotFound) {
		s.logError("supervisor: failed to cancel pending approval gate", workflowID, err)
	}
}

// cancelTask cancels the executor context for workflowID and returns
// the task, or nil if the workflow has no active task.
func (s *Supervisor) cancelTask(workflowID string) *task {
	s.mu.Lock()
	t, ok := s.tasksByWorkflow[workflowID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	t.cancel()
	return t
}

// ActiveWorktrees returns the worktree paths currently owned by an
// executor task, for the health monitor (C9).
func (s *Supervisor) ActiveWorktrees() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasksByWorktree))
	for path := range s.tasksByWorktree {
		out = append(out, path)
	}
	return out
}

// WorkflowByWorktree returns the workflow id currently occupying path,
// if any.
func (s *Supervisor) WorkflowByWorktree(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasksByWorktree[path]
	if !ok {
		return "", false
	}
	return t.workflowID, true
}

// StartDraining puts the supervisor into draining mode: Start begins
// rejecting new work with apierr.ShuttingDown.
func (s *Supervisor) StartDraining() {
	s.draining.Store(true)
}

// IsDraining reports whether the supervisor is draining.
func (s *Supervisor) IsDraining() bool {
	return s.draining.Load()
}

// ActiveCount returns the number of workflows with a live executor
// task.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasksByWorkflow)
}

// WaitForDrain polls until every active task has exited, the timeout
// elapses, or ctx is cancelled.
func (s *Supervisor) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			if remaining := s.ActiveCount(); remaining > 0 {
				return fmt.Errorf("supervisor: drain timeout with %d workflow(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if s.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// CancelAll cancels every active task, used during ordered shutdown
// after the drain timeout elapses.
func (s *Supervisor) CancelAll(reason string) {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasksByWorkflow))
	for _, t := range s.tasksByWorkflow {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.cancelApprovalIfOpen(t.workflowID, reason)
		t.cancel()
	}
}

// Stop cancels every active task and waits for their goroutines to
// exit, or until ctx is done.
func (s *Supervisor) Stop(ctx context.Context, reason string) error {
	s.CancelAll(reason)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := s.ActiveCount()
		if remaining > 0 {
			return fmt.Errorf("supervisor: stop timeout with %d workflow(s) still active", remaining)
		}
		return ctx.Err()
	}
}

// appendEvent allocates the next sequence number for workflowID,
// appends the event, projects the new workflow state, and publishes
// the event to the bus.
func (s *Supervisor) appendEvent(ctx context.Context, workflowID string, eventType orchestrator.EventType, message, correlationID string) (*orchestrator.Workflow, error) {
	seq, err := s.seq.Next(ctx, workflowID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "failed to allocate event sequence", err)
	}

	existing, err := s.store.GetEvents(ctx, workflowID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "failed to load event history", err)
	}

	e := orchestrator.Event{
		ID:            uuid.New().String(),
		WorkflowID:    workflowID,
		Sequence:      seq,
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		Message:       message,
		CorrelationID: correlationID,
	}

	updated, err := orchestrator.Project(append(existing, e))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "failed to project workflow state", err)
	}

	if err := s.store.AppendEvent(ctx, e, updated); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("workflow", workflowID)
		}
		return nil, apierr.Wrap(apierr.KindInternal, "failed to append event", err)
	}

	s.bus.Publish(e)
	return updated, nil
}

func (s *Supervisor) logError(msg, workflowID string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Error(msg, "workflow_id", workflowID, "error", err)
}

// checkWorktreeDirectory enforces the filesystem half of invariant I1:
// the path must exist, be a directory, and contain a .git marker
// (file or directory, to cover both primary checkouts and linked
// worktrees). pkg/orchestrator.ValidateWorktreePath deliberately
// leaves this to the caller since it requires filesystem access.
func checkWorktreeDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat worktree path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("worktree path %q is not a directory", path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("worktree path %q has no .git marker: %w", path, err)
	}
	return nil
}
