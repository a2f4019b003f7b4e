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

// Package pipeline implements the Pipeline Runner (C8): a named state
// graph with a typed state, conditional routing between nodes, and
// interruption at named approval nodes.
package pipeline

import (
	"context"
	"fmt"

	"github.com/amelia-dev/orchestrator/pkg/workflow/expression"
)

// NodeFunc performs one node's work against the run context. It
// mutates rc.State and rc.Vars; routing to the next node happens
// separately, by evaluating the node's outgoing edges.
type NodeFunc func(ctx context.Context, rc *RunContext) error

// Node is one stage in a pipeline graph.
type Node struct {
	Name string
	Run  NodeFunc
}

// Edge is a directed transition out of a node. When is an expr-lang
// boolean expression evaluated against rc.Vars; an edge with an empty
// When is the node's default/fallback transition and is only taken if
// no conditional edge from the same node matches.
type Edge struct {
	To   string
	When string
}

// Graph is a named state graph: an entry node plus a node and edge
// table. Graphs are built once (see implementation.go) and are safe
// for concurrent Run calls as long as each call gets its own
// RunContext.
type Graph struct {
	Entry string
	nodes map[string]*Node
	edges map[string][]Edge
}

// NewGraph creates an empty graph with the given entry node name.
func NewGraph(entry string) *Graph {
	return &Graph{
		Entry: entry,
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode registers a node.
func (g *Graph) AddNode(n *Node) {
	g.nodes[n.Name] = n
}

// AddEdge registers a directed edge from a node. Edges are evaluated
// in the order added; put the default (empty When) edge last.
func (g *Graph) AddEdge(from string, e Edge) {
	g.edges[from] = append(g.edges[from], e)
}

// Run drives the graph from Entry until a node has no viable outgoing
// edge, an error occurs, or ctx is cancelled.
func (g *Graph) Run(ctx context.Context, rc *RunContext, eval *expression.Evaluator) error {
	name := g.Entry
	for name != "" {
		node, ok := g.nodes[name]
		if !ok {
			return fmt.Errorf("pipeline: graph has no node %q", name)
		}

		if err := node.Run(ctx, rc); err != nil {
			return fmt.Errorf("pipeline: node %q: %w", name, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := g.route(name, rc, eval)
		if err != nil {
			return err
		}
		name = next
	}
	return nil
}

// route evaluates name's outgoing edges against rc.Vars and returns
// the next node name, or "" if the node is terminal (no edge matches
// and there is no default edge).
func (g *Graph) route(name string, rc *RunContext, eval *expression.Evaluator) (string, error) {
	var fallback *Edge
	for i, e := range g.edges[name] {
		if e.When == "" {
			fb := g.edges[name][i]
			fallback = &fb
			continue
		}
		matched, err := eval.Evaluate(e.When, rc.Vars)
		if err != nil {
			return "", fmt.Errorf("pipeline: routing from %q: %w", name, err)
		}
		if matched {
			return e.To, nil
		}
	}
	if fallback != nil {
		return fallback.To, nil
	}
	return "", nil
}
