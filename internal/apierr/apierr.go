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

// Package apierr defines the orchestrator's error taxonomy and its
// mapping onto HTTP status codes, as described in spec section 7.
package apierr

import "fmt"

// Kind classifies an API error for status-code mapping and client
// handling.
type Kind string

const (
	KindWorkflowConflict Kind = "WORKFLOW_CONFLICT"
	KindConcurrencyLimit Kind = "CONCURRENCY_LIMIT"
	KindNotFound         Kind = "NOT_FOUND"
	KindInvalidState     Kind = "INVALID_STATE"
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindShuttingDown     Kind = "SHUTTING_DOWN"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// statusByKind mirrors the HTTP status mapping table in spec section 7.
var statusByKind = map[Kind]int{
	KindWorkflowConflict: 409,
	KindConcurrencyLimit: 429,
	KindNotFound:         404,
	KindInvalidState:     422,
	KindInvalidRequest:   400,
	KindShuttingDown:     503,
	KindRateLimited:      429,
	KindUnauthorized:     401,
	KindInternal:         500,
}

// Error is the orchestrator's canonical API error. It carries enough
// structure to render both a JSON error body and an HTTP status code
// without the caller needing to know the mapping.
type Error struct {
	Kind          Kind
	Message       string
	RetryAfter    int // seconds; zero means unset
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP status code for this error's kind.
func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return 500
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, preserving cause for
// errors.Unwrap/errors.Is/errors.As chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRetryAfter sets the RetryAfter field and returns the receiver
// for chaining.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// WithCorrelationID sets the CorrelationID field and returns the
// receiver for chaining.
func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

// NotFound is a convenience constructor for the common "no such
// workflow" case.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s %q not found", resource, id)
}

// InvalidState reports an illegal state transition attempt.
func InvalidState(message string) *Error {
	return New(KindInvalidState, message)
}

// ShuttingDown reports that the daemon is draining and rejecting new
// work.
func ShuttingDown() *Error {
	return New(KindShuttingDown, "daemon is shutting down and not accepting new workflows").WithRetryAfter(5)
}

// ConcurrencyLimit reports that the global concurrency cap has been
// reached.
func ConcurrencyLimit(max int) *Error {
	return Newf(KindConcurrencyLimit, "concurrency limit of %d active workflows reached", max).WithRetryAfter(1)
}

// WorkflowConflict reports that a worktree already has an active
// workflow (invariant S1).
func WorkflowConflict(worktreePath string) *Error {
	return Newf(KindWorkflowConflict, "worktree %q already has an active workflow", worktreePath)
}
