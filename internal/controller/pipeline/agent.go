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

package pipeline

import (
	"context"

	"github.com/amelia-dev/orchestrator/pkg/orchestrator"
)

// Role identifies which part of the Architect -> Developer <-> Reviewer
// flow an agent invocation plays.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleDeveloper Role = "developer"
	RoleReviewer  Role = "reviewer"
)

// AgentRequest is one invocation of the black-box LLM stage executor.
// The LLM agent itself is out of scope (it is a black box per the
// core's own boundary); this is the seam a real driver plugs into.
type AgentRequest struct {
	Role     Role
	Workflow *orchestrator.Workflow
	Prompt   string
	Context  map[string]any
}

// AgentResponse is the result of one agent invocation.
type AgentResponse struct {
	Text     string
	Data     map[string]any
	Approved bool
	Usage    orchestrator.TokenUsage
}

// Agent runs one pipeline stage against an LLM driver. The core treats
// the driver as a black box: it supplies a prompt and context and reads
// back text, structured data, and token usage.
type Agent interface {
	Run(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// StubAgent is a deterministic Agent used when no driver is wired in
// (tests, and any daemon mode run without an LLM driver configured).
// It never calls out to a model: Architect returns a single-task plan,
// Developer returns a canned completion, Reviewer always approves.
type StubAgent struct{}

func (StubAgent) Run(_ context.Context, req AgentRequest) (AgentResponse, error) {
	switch req.Role {
	case RoleArchitect:
		return AgentResponse{
			Text: "plan",
			Data: map[string]any{"tasks": []string{"implement the change"}},
		}, nil
	case RoleReviewer:
		return AgentResponse{Approved: true}, nil
	default:
		return AgentResponse{Text: "done"}, nil
	}
}
