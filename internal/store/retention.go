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
	"time"
)

// RetentionPolicy bounds how much event history the store keeps for
// terminal workflows.
type RetentionPolicy struct {
	// MaxEventAge prunes events older than this, regardless of count.
	// Zero disables age-based pruning.
	MaxEventAge time.Duration

	// MaxEventsPerWorkflow caps the number of events kept per
	// terminal workflow, pruning the oldest first. Zero disables
	// count-based pruning.
	MaxEventsPerWorkflow int
}

// RetentionService prunes event history for terminal workflows. It is
// run once at shutdown rather than on a schedule, since the event
// store is also the daemon's only record of in-flight work and
// pruning active workflows would be unsafe.
type RetentionService struct {
	store  *Store
	policy RetentionPolicy
}

// NewRetentionService creates a retention service over store.
func NewRetentionService(store *Store, policy RetentionPolicy) *RetentionService {
	return &RetentionService{store: store, policy: policy}
}

// Run prunes events for every terminal workflow per the configured
// policy and returns the number of events removed.
func (r *RetentionService) Run(ctx context.Context) (int64, error) {
	var total int64

	if r.policy.MaxEventAge > 0 {
		cutoff := time.Now().Add(-r.policy.MaxEventAge).UTC().Format(time.RFC3339Nano)
		n, err := r.pruneByAge(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune by age: %w", err)
		}
		total += n
	}

	if r.policy.MaxEventsPerWorkflow > 0 {
		n, err := r.pruneByCount(ctx, r.policy.MaxEventsPerWorkflow)
		if err != nil {
			return total, fmt.Errorf("prune by count: %w", err)
		}
		total += n
	}

	return total, nil
}

func (r *RetentionService) pruneByAge(ctx context.Context, cutoffRFC3339 string) (int64, error) {
	result, err := r.store.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE timestamp < ?
		AND workflow_id IN (
			SELECT id FROM workflows WHERE status IN ('completed', 'failed', 'cancelled')
		)
	`, cutoffRFC3339)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *RetentionService) pruneByCount(ctx context.Context, maxPerWorkflow int) (int64, error) {
	// Delete every event past the newest maxPerWorkflow for each
	// terminal workflow, keyed by a per-workflow descending sequence
	// rank computed in SQL.
	result, err := r.store.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE id IN (
			SELECT e.id FROM events e
			JOIN workflows w ON w.id = e.workflow_id
			WHERE w.status IN ('completed', 'failed', 'cancelled')
			AND (
				SELECT COUNT(1) FROM events e2
				WHERE e2.workflow_id = e.workflow_id AND e2.sequence > e.sequence
			) >= ?
		)
	`, maxPerWorkflow)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}
