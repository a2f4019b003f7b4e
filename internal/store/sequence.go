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
	"fmt"
	"sync"
)

// SequenceAllocator hands out strictly increasing, gap-free sequence
// numbers per workflow (C4). It is lazily seeded from the store's
// current max sequence the first time a workflow is touched, so a
// restarted daemon resumes numbering correctly instead of restarting
// at 1.
type SequenceAllocator struct {
	store *Store

	mu   sync.Mutex
	next map[string]int64
}

// NewSequenceAllocator creates an allocator backed by store.
func NewSequenceAllocator(store *Store) *SequenceAllocator {
	return &SequenceAllocator{store: store, next: make(map[string]int64)}
}

// Next returns the next sequence number for workflowID, advancing the
// allocator's internal counter. It is safe for concurrent use: a single
// allocator-wide mutex serializes every call, so calls for different
// workflow ids also wait on one another, including while a first call
// for a workflow reads the store's max sequence.
func (a *SequenceAllocator) Next(ctx context.Context, workflowID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq, ok := a.next[workflowID]
	if !ok {
		max, err := a.store.GetMaxSequence(ctx, workflowID)
		if err != nil {
			return 0, fmt.Errorf("seed sequence allocator for %s: %w", workflowID, err)
		}
		seq = max
	}

	seq++
	a.next[workflowID] = seq
	return seq, nil
}

// Forget drops the cached counter for a workflow. Call this once a
// workflow reaches a terminal state to bound the allocator's memory
// footprint.
func (a *SequenceAllocator) Forget(workflowID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, workflowID)
}
