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
	"sync"
	"testing"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

func TestSequenceAllocator_MonotonicPerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alloc := NewSequenceAllocator(s)

	for i := int64(1); i <= 5; i++ {
		seq, err := alloc.Next(ctx, "wf-1")
		if err != nil {
			t.Fatal(err)
		}
		if seq != i {
			t.Fatalf("expected sequence %d, got %d", i, seq)
		}
	}
}

func TestSequenceAllocator_SeedsFromExistingMaxSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &orchestrator.Workflow{ID: "wf-1", IssueID: "A", WorktreePath: "/tmp/wt-1", Status: orchestrator.StatusPending}
	if err := s.CreateWorkflow(ctx, w, firstEvent(w.ID)); err != nil {
		t.Fatal(err)
	}

	alloc := NewSequenceAllocator(s)
	seq, err := alloc.Next(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Fatalf("expected allocator to resume at 2 after an existing event at 1, got %d", seq)
	}
}

func TestSequenceAllocator_IndependentAcrossWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alloc := NewSequenceAllocator(s)

	var wg sync.WaitGroup
	results := make(map[string][]int64)
	var mu sync.Mutex

	for _, wf := range []string{"wf-a", "wf-b"} {
		wf := wf
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				seq, err := alloc.Next(ctx, wf)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				results[wf] = append(results[wf], seq)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for wf, seqs := range results {
		seen := make(map[int64]bool)
		for _, s := range seqs {
			if seen[s] {
				t.Errorf("workflow %s got duplicate sequence %d", wf, s)
			}
			seen[s] = true
		}
		if len(seen) != 10 {
			t.Errorf("workflow %s expected 10 unique sequences, got %d", wf, len(seen))
		}
	}
}

func TestSequenceAllocator_Forget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alloc := NewSequenceAllocator(s)

	if _, err := alloc.Next(ctx, "wf-1"); err != nil {
		t.Fatal(err)
	}
	alloc.Forget("wf-1")

	if _, ok := alloc.next["wf-1"]; ok {
		t.Error("expected Forget to remove the cached counter")
	}
}
