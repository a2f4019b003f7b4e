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

// Package approval implements the human-in-the-loop approval gate
// (C6): a rendezvous point where a pipeline run blocks on Wait until
// an operator calls Approve, Reject, or the workflow is cancelled out
// from under it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Decision is the outcome of an approval gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionCancelled Decision = "cancelled"
)

// ErrAlreadyResolved is returned by Approve/Reject/Cancel when the
// gate has already been resolved by a prior call.
var ErrAlreadyResolved = errors.New("approval: gate already resolved")

// ErrNotFound is returned when a workflow has no open approval gate.
var ErrNotFound = errors.New("approval: no open gate for this workflow")

// Result carries the outcome of a resolved gate.
type Result struct {
	Decision Decision
	Reason   string
}

type gate struct {
	workflowID string
	resultCh   chan Result

	once     sync.Once
	resolved bool
}

func newGate(workflowID string) *gate {
	return &gate{
		workflowID: workflowID,
		resultCh:   make(chan Result, 1),
	}
}

// resolve delivers a decision exactly once. Subsequent calls return
// ErrAlreadyResolved instead of blocking or overwriting the first
// decision.
func (g *gate) resolve(r Result) error {
	resolvedNow := false
	g.once.Do(func() {
		g.resolved = true
		resolvedNow = true
		g.resultCh <- r
	})
	if !resolvedNow {
		return ErrAlreadyResolved
	}
	return nil
}

// Registry tracks one open approval gate per workflow at a time. It is
// the rendezvous object between the pipeline runner (which opens the
// gate and blocks on Wait) and whatever resolves it on the operator's
// behalf (REST handler, MCP tool, or the supervisor's own cancellation
// path).
type Registry struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// NewRegistry creates an empty approval gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*gate)}
}

// Open creates a new approval gate for workflowID. It is an error to
// open a second gate for a workflow that already has one open; the
// pipeline runner must wait for the first to resolve (or be cancelled)
// before opening another.
func (r *Registry) Open(workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gates[workflowID]; exists {
		return fmt.Errorf("approval: workflow %s already has an open gate", workflowID)
	}
	r.gates[workflowID] = newGate(workflowID)
	return nil
}

// Wait blocks until the gate for workflowID is resolved or ctx is
// cancelled, then removes the gate from the registry. Call Open
// before Wait; Wait on a workflow with no open gate returns
// ErrNotFound immediately.
func (r *Registry) Wait(ctx context.Context, workflowID string) (Result, error) {
	r.mu.Lock()
	g, ok := r.gates[workflowID]
	r.mu.Unlock()
	if !ok {
		return Result{}, ErrNotFound
	}

	defer r.remove(workflowID)

	select {
	case result := <-g.resultCh:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Approve resolves the open gate for workflowID with DecisionApproved.
func (r *Registry) Approve(workflowID string) error {
	return r.resolve(workflowID, Result{Decision: DecisionApproved})
}

// Reject resolves the open gate for workflowID with DecisionRejected.
func (r *Registry) Reject(workflowID, reason string) error {
	return r.resolve(workflowID, Result{Decision: DecisionRejected, Reason: reason})
}

// Cancel resolves the open gate for workflowID with DecisionCancelled,
// used when the supervisor tears down a workflow while it is blocked
// on approval.
func (r *Registry) Cancel(workflowID, reason string) error {
	return r.resolve(workflowID, Result{Decision: DecisionCancelled, Reason: reason})
}

func (r *Registry) resolve(workflowID string, result Result) error {
	r.mu.Lock()
	g, ok := r.gates[workflowID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return g.resolve(result)
}

// IsOpen reports whether workflowID currently has an unresolved gate.
func (r *Registry) IsOpen(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.gates[workflowID]
	return ok
}

func (r *Registry) remove(workflowID string) {
	r.mu.Lock()
	delete(r.gates, workflowID)
	r.mu.Unlock()
}
