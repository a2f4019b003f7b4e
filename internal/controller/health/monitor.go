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

// Package health implements the Worktree Health Monitor (C9): a
// periodic loop that verifies every worktree an executor currently
// owns still exists on disk, cancelling the workflow when it doesn't.
package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// cancellingSupervisor is the subset of supervisor.Supervisor the
// monitor depends on. A narrow interface, rather than importing the
// supervisor package directly, keeps this package testable with a
// fake and avoids the monitor needing to know about worktree starts,
// approvals, or draining.
type cancellingSupervisor interface {
	ActiveWorktrees() []string
	WorkflowByWorktree(path string) (string, bool)
	Cancel(workflowID, reason string) error
}

// reasonOrphaned is the cancellation reason recorded against workflows
// whose worktree directory has disappeared out from under them.
const reasonOrphaned = "Worktree directory no longer exists"

// Monitor periodically checks active worktrees and cancels workflows
// whose worktree has gone missing or lost its .git marker.
type Monitor struct {
	supervisor    cancellingSupervisor
	checkInterval time.Duration
	logger        *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Monitor. checkInterval non-positive falls back to 30
// seconds, matching the default in internal/config.
func New(sup cancellingSupervisor, checkInterval time.Duration, logger *slog.Logger) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Monitor{
		supervisor:    sup,
		checkInterval: checkInterval,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the check loop in its own goroutine until Stop is called
// or ctx is done. Start returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

// checkOnce validates every currently active worktree, cancelling the
// workflow owning any that has become unusable. It never returns an
// error: a failed check is itself the signal, surfaced by cancelling
// the affected workflow rather than by a return value.
func (m *Monitor) checkOnce() {
	for _, path := range m.supervisor.ActiveWorktrees() {
		err := checkWorktree(path)
		if err == nil {
			continue
		}

		workflowID, ok := m.supervisor.WorkflowByWorktree(path)
		if !ok {
			// The executor finished between listing active worktrees
			// and checking this one; nothing to cancel.
			continue
		}
		if cancelErr := m.supervisor.Cancel(workflowID, reasonOrphaned); cancelErr != nil {
			m.logError("health: failed to cancel orphaned workflow", workflowID, cancelErr)
			continue
		}
		m.logWarn("health: cancelled workflow with missing worktree", workflowID, path, err)
	}
}

// checkWorktree verifies path exists, is a directory, and contains a
// .git marker, mirroring the startup check in
// internal/controller/supervisor.checkWorktreeDirectory.
func checkWorktree(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.ErrInvalid
	}
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err
}

func (m *Monitor) logError(msg, workflowID string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Error(msg, "workflow_id", workflowID, "error", err)
}

func (m *Monitor) logWarn(msg, workflowID, path string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Warn(msg, "workflow_id", workflowID, "worktree_path", path, "error", err)
}
