//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a named-node workflow engine with reducer-merged
// state, conditional routing, checkpointing and interrupt/resume support.
package graph

import (
	"context"
	"sync"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// State keys the executor itself reads or writes. Schemas that want these
// fields merged with non-default policies may declare them explicitly.
const (
	// StateKeyError holds the last node failure, folded in by the executor.
	StateKeyError = "error"
	// StateKeyExiting marks terminal state. The executor sets it when a run
	// finishes, successfully or not.
	StateKeyExiting = "exiting"
	// StateKeyNextNode lets a node steer routing explicitly; the executor
	// consults it before evaluating edges and clears it after use.
	StateKeyNextNode = "next_node"
)

// Internal state keys. Never checkpointed.
const (
	// StateKeyResumeValue carries the externally supplied resume value into
	// the node that previously suspended.
	StateKeyResumeValue = "__resume__"
	// StateKeyUsedInterrupts tracks interrupt keys already satisfied during
	// this invocation so a re-executed node sees the same resume value.
	StateKeyUsedInterrupts = "__used_interrupts__"
)

// isInternalStateKey reports whether a state key is internal/ephemeral and
// must not be serialized into checkpoints.
func isInternalStateKey(key string) bool {
	switch key {
	case StateKeyResumeValue, StateKeyUsedInterrupts:
		return true
	default:
		return false
	}
}

// Resources carries the live, thread-scoped handles passed to every node.
// The engine never inspects it and never serializes it; checkpoints hold
// logical state only, and resources re-attach by thread ID at resume time.
type Resources any

// NodeFunc is the function executed by a node. It receives the accumulated
// state and the thread's resource bundle, and returns a partial state update
// to be merged by the schema's reducers.
type NodeFunc func(ctx context.Context, state State, res Resources) (State, error)

// Predicate evaluates a routing condition against the current state.
type Predicate func(ctx context.Context, state State) bool

// Node represents a node in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	// retryPolicy, when set, governs transient failure retries for this
	// node's function.
	retryPolicy *RetryPolicy
}

// Edge represents an unconditional edge in the graph.
type Edge struct {
	From string
	To   string
}

// Branch is one predicate-guarded routing option of a conditional edge.
type Branch struct {
	// When guards the branch. Branches are evaluated in declaration order
	// and the first match wins.
	When Predicate
	// To is the destination node.
	To string
}

// ConditionalEdge represents predicate-routed edges out of a node. If no
// branch matches, Default is taken; a conditional edge without a default
// fails routing at runtime, so Compile requires one.
type ConditionalEdge struct {
	From     string
	Branches []Branch
	Default  string
}

// Graph is the immutable runtime representation produced by
// StateGraph.Compile. It is shared read-only across all threads; one Graph
// may be executed by any number of Executors concurrently.
type Graph struct {
	mu               sync.RWMutex
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
}

// newGraph creates a new empty graph with the given state schema.
func newGraph(schema *StateSchema) *Graph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Graph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, exists := g.nodes[id]
	return node, exists
}

// Edges returns all outgoing unconditional edges from a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge from a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, exists := g.conditionalEdges[nodeID]
	return edge, exists
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// addNode adds a node to the graph.
func (g *Graph) addNode(node *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.ID == "" {
		return configErrorf("node ID cannot be empty")
	}
	if node.ID == Start || node.ID == End {
		return configErrorf("node ID %s is reserved", node.ID)
	}
	if _, exists := g.nodes[node.ID]; exists {
		return configErrorf("node with ID %s already exists", node.ID)
	}
	g.nodes[node.ID] = node
	return nil
}

// addEdge adds an unconditional edge to the graph. Endpoint existence is
// checked at compile time so edges may be declared before their nodes.
func (g *Graph) addEdge(edge *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if edge.From == "" || edge.To == "" {
		return configErrorf("edge endpoints cannot be empty")
	}
	g.edges[edge.From] = append(g.edges[edge.From], edge)
	return nil
}

// addConditionalEdge adds a conditional edge to the graph.
func (g *Graph) addConditionalEdge(condEdge *ConditionalEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if condEdge.From == "" {
		return configErrorf("conditional edge source cannot be empty")
	}
	if _, exists := g.conditionalEdges[condEdge.From]; exists {
		return configErrorf("node %s already has a conditional edge", condEdge.From)
	}
	g.conditionalEdges[condEdge.From] = condEdge
	return nil
}

// setEntryPoint sets the entry point of the graph.
func (g *Graph) setEntryPoint(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entryPoint = nodeID
}

// validate checks the complete graph structure. Every failure is a
// ConfigError: compile-time problems must never surface mid-run.
func (g *Graph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.entryPoint == "" {
		return configErrorf("graph must have an entry point")
	}
	if _, exists := g.nodes[g.entryPoint]; !exists {
		return configErrorf("entry point node %s does not exist", g.entryPoint)
	}

	// Every edge endpoint must be defined.
	for from, edges := range g.edges {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return configErrorf("edge source node %s does not exist", from)
			}
		}
		// Two unconditional edges out of one node is ambiguous routing.
		if len(edges) > 1 {
			return configErrorf("node %s has %d unconditional outgoing edges, at most one is allowed", from, len(edges))
		}
		for _, edge := range edges {
			if edge.To != End {
				if _, ok := g.nodes[edge.To]; !ok {
					return configErrorf("edge target node %s does not exist", edge.To)
				}
			}
		}
	}
	for from, condEdge := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok {
			return configErrorf("conditional edge source node %s does not exist", from)
		}
		if condEdge.Default == "" {
			return configErrorf("conditional edge out of %s has no default branch", from)
		}
		targets := make([]string, 0, len(condEdge.Branches)+1)
		for _, branch := range condEdge.Branches {
			if branch.When == nil {
				return configErrorf("conditional edge out of %s has a branch without a predicate", from)
			}
			targets = append(targets, branch.To)
		}
		targets = append(targets, condEdge.Default)
		for _, to := range targets {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return configErrorf("conditional edge target node %s does not exist", to)
			}
		}
	}

	// No node may dead-end: every node needs at least one outgoing edge.
	for id := range g.nodes {
		if len(g.edges[id]) == 0 {
			if _, ok := g.conditionalEdges[id]; !ok {
				return configErrorf("node %s has no outgoing edge", id)
			}
		}
	}

	// End must be reachable from the entry point.
	if !g.endReachable() {
		return configErrorf("no path from %s to %s", g.entryPoint, End)
	}
	return nil
}

// endReachable walks the graph from the entry point over all edge targets.
func (g *Graph) endReachable() bool {
	visited := make(map[string]bool)
	queue := []string{g.entryPoint}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == End {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, edge := range g.edges[current] {
			queue = append(queue, edge.To)
		}
		if condEdge, ok := g.conditionalEdges[current]; ok {
			for _, branch := range condEdge.Branches {
				queue = append(queue, branch.To)
			}
			queue = append(queue, condEdge.Default)
		}
	}
	return false
}
