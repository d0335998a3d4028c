// Package graph loads the declarative routing graph and executes its flows.
// The graph is read once at startup, validated before any task can reference
// it, and treated as read-only during execution.
package graph

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr/vm"
)

// NodeKind identifies what a node invokes.
type NodeKind string

const (
	KindModelCall NodeKind = "model-call"
	KindToolCall  NodeKind = "tool-call"
	KindFunction  NodeKind = "function"
)

// Node is a named processing step. Immutable once loaded.
type Node struct {
	ID        string   `yaml:"id"`
	Kind      NodeKind `yaml:"kind"`
	Backend   string   `yaml:"backend"`
	Inputs    []string `yaml:"inputs,omitempty"`
	Outputs   []string `yaml:"outputs,omitempty"`
	UseMemory bool     `yaml:"use_memory,omitempty"`
	Prompt    string   `yaml:"prompt,omitempty"`
	Join      bool     `yaml:"join,omitempty"`
}

// Edge connects two nodes. When is a boolean expression over the accumulated
// context; an empty When is unconditional.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	When string `yaml:"when,omitempty"`

	program *vm.Program
}

// Flow is a named chain of nodes with conditional edges. Cycles are allowed
// but must be bounded by an iteration condition; MaxSteps is the hard cap.
type Flow struct {
	Name     string `yaml:"name"`
	Entry    string `yaml:"entry"`
	MaxSteps int    `yaml:"max_steps,omitempty"`
	Nodes    []Node `yaml:"nodes"`
	Edges    []Edge `yaml:"edges"`

	nodesByID map[string]*Node
	edgesFrom map[string][]*Edge
}

// Graph is the validated set of flows.
type Graph struct {
	Flows map[string]*Flow
}

// Node returns a flow node by ID.
func (f *Flow) Node(id string) (*Node, bool) {
	n, ok := f.nodesByID[id]
	return n, ok
}

// OutEdges returns the edges leaving a node, in declaration order.
func (f *Flow) OutEdges(id string) []*Edge {
	return f.edgesFrom[id]
}

// Executor errors.
var (
	// ErrUnknownFlow is returned when a flow name is not in the graph.
	ErrUnknownFlow = errors.New("graph: unknown flow")

	// ErrMissingInput is returned when a node's required input key is
	// absent from the accumulated context. Raised before the adapter
	// is invoked.
	ErrMissingInput = errors.New("graph: missing input")

	// ErrFlowDivergence is returned when a traversal exceeds the hard
	// maximum step count.
	ErrFlowDivergence = errors.New("graph: flow divergence")
)

// NodeError surfaces a failed flow run with the failing node and the partial
// context accumulated so far, so the caller can decide whether to retry the
// whole flow or only the failed step.
type NodeError struct {
	Flow    string
	Node    string
	Partial map[string]any
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("flow %s failed at node %s: %v", e.Flow, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
