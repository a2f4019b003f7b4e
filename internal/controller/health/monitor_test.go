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

package health

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	worktrees map[string]string // path -> workflow id
	cancelled map[string]string // workflow id -> reason
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		worktrees: make(map[string]string),
		cancelled: make(map[string]string),
	}
}

func (f *fakeSupervisor) ActiveWorktrees() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.worktrees))
	for p := range f.worktrees {
		paths = append(paths, p)
	}
	return paths
}

func (f *fakeSupervisor) WorkflowByWorktree(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.worktrees[path]
	return id, ok
}

func (f *fakeSupervisor) Cancel(workflowID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[workflowID] = reason
	for path, id := range f.worktrees {
		if id == workflowID {
			delete(f.worktrees, path)
		}
	}
	return nil
}

func (f *fakeSupervisor) cancelledReason(workflowID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.cancelled[workflowID]
	return reason, ok
}

func usableWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}
	return dir
}

func TestMonitor_LeavesHealthyWorktreeAlone(t *testing.T) {
	sup := newFakeSupervisor()
	worktree := usableWorktree(t)
	sup.worktrees[worktree] = "wf-1"

	m := New(sup, time.Hour, nil)
	m.checkOnce()

	if _, cancelled := sup.cancelledReason("wf-1"); cancelled {
		t.Error("expected a healthy worktree not to be cancelled")
	}
}

func TestMonitor_CancelsWorkflowWhenWorktreeRemoved(t *testing.T) {
	sup := newFakeSupervisor()
	dir := t.TempDir()
	worktree := filepath.Join(dir, "gone")
	if err := os.MkdirAll(filepath.Join(worktree, ".git"), 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}
	sup.worktrees[worktree] = "wf-2"

	if err := os.RemoveAll(worktree); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}

	m := New(sup, time.Hour, nil)
	m.checkOnce()

	reason, cancelled := sup.cancelledReason("wf-2")
	if !cancelled {
		t.Fatal("expected workflow to be cancelled after its worktree vanished")
	}
	if reason != reasonOrphaned {
		t.Errorf("expected reason %q, got %q", reasonOrphaned, reason)
	}
}

func TestMonitor_CancelsWorkflowWhenGitMarkerRemoved(t *testing.T) {
	sup := newFakeSupervisor()
	worktree := usableWorktree(t)
	sup.worktrees[worktree] = "wf-3"

	if err := os.RemoveAll(filepath.Join(worktree, ".git")); err != nil {
		t.Fatalf("remove .git marker: %v", err)
	}

	m := New(sup, time.Hour, nil)
	m.checkOnce()

	if _, cancelled := sup.cancelledReason("wf-3"); !cancelled {
		t.Error("expected workflow to be cancelled after losing its .git marker")
	}
}

func TestMonitor_RunLoopTicksAndStopsCleanly(t *testing.T) {
	sup := newFakeSupervisor()
	dir := t.TempDir()
	worktree := filepath.Join(dir, "gone")
	if err := os.MkdirAll(filepath.Join(worktree, ".git"), 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}
	sup.worktrees[worktree] = "wf-4"
	if err := os.RemoveAll(worktree); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}

	m := New(sup, 10*time.Millisecond, nil)
	m.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, cancelled := sup.cancelledReason("wf-4"); cancelled {
			m.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	t.Fatal("timed out waiting for the run loop to cancel the orphaned workflow")
}
