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
	"fmt"
	"sync"
)

// Pipeline is a named state graph a workflow can run. The core looks
// pipelines up by name from a static Registry; DefaultPipelineName is
// always present.
type Pipeline interface {
	Name() string
	DisplayName() string
	Description() string
	Graph() *Graph
	// InitialState builds this pipeline's typed state for a new run.
	// inputs carries the values a Start request supplied (issue id,
	// profile, an externally-supplied plan, ...).
	InitialState(inputs map[string]any) any
}

// DefaultPipelineName is the pipeline used when a Start request omits
// one.
const DefaultPipelineName = "implementation"

// Registry is a name -> Pipeline lookup table, built once at startup.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register adds a pipeline. It is an error to register the same name
// twice.
func (r *Registry) Register(p Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[p.Name()]; exists {
		return fmt.Errorf("pipeline: %q already registered", p.Name())
	}
	r.pipelines[p.Name()] = p
	return nil
}

// Get looks up a pipeline by name.
func (r *Registry) Get(name string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns the registered pipeline names, for the plug-in
// contract's introspection surface (MCP pipelines_list tool).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		out = append(out, name)
	}
	return out
}

// NewDefaultRegistry returns a Registry pre-populated with the built-in
// "implementation" pipeline.
func NewDefaultRegistry(maxReviewIterations int) *Registry {
	r := NewRegistry()
	_ = r.Register(NewImplementationPipeline(maxReviewIterations))
	return r
}
