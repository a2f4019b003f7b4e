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
	"testing"
	"time"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

func TestRetentionService_PruneByCount_KeepsNewestOnTerminalWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}
	for i := int64(2); i <= 5; i++ {
		ev := orchestrator.Event{ID: "ev-" + string(rune('0'+i)), WorkflowID: w.ID, Sequence: i, Timestamp: time.Now().UTC(), EventType: orchestrator.EventStageStarted}
		if err := s.AppendEvent(ctx, ev, w); err != nil {
			t.Fatal(err)
		}
	}
	w.Status = orchestrator.StatusCompleted
	final := orchestrator.Event{ID: "ev-final", WorkflowID: w.ID, Sequence: 6, Timestamp: time.Now().UTC(), EventType: orchestrator.EventWorkflowCompleted}
	if err := s.AppendEvent(ctx, final, w); err != nil {
		t.Fatal(err)
	}

	svc := NewRetentionService(s, RetentionPolicy{MaxEventsPerWorkflow: 2})
	pruned, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if pruned != 4 {
		t.Errorf("expected 4 events pruned (6 total - 2 kept), got %d", pruned)
	}

	remaining, err := s.GetEvents(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 events remaining, got %d", len(remaining))
	}
	if remaining[0].Sequence != 5 || remaining[1].Sequence != 6 {
		t.Errorf("expected the two newest events to survive, got sequences %d and %d", remaining[0].Sequence, remaining[1].Sequence)
	}
}

func TestRetentionService_NeverPrunesActiveWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusInProgress}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}

	svc := NewRetentionService(s, RetentionPolicy{MaxEventsPerWorkflow: 0, MaxEventAge: time.Nanosecond})
	time.Sleep(time.Millisecond)
	pruned, err := svc.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("expected active workflow's events to be untouched, pruned %d", pruned)
	}
}

func TestRetentionService_NoPolicyIsNoop(t *testing.T) {
	s := newTestStore(t)
	svc := NewRetentionService(s, RetentionPolicy{})
	pruned, err := svc.Run(context.Background())
	if err != nil || pruned != 0 {
		t.Errorf("expected no-op retention, got pruned=%d err=%v", pruned, err)
	}
}
