package task

import (
	"context"

	"github.com/nidhogg/foreman/internal/memory"
)

// FlowRunner executes a named routing-graph flow. Satisfied by the graph
// executor; handlers receive it through the task context.
type FlowRunner interface {
	RunFlow(ctx context.Context, name string, inputs map[string]any) (map[string]any, error)
}

// Recorder appends audit records to the memory layer.
type Recorder interface {
	Log(ctx context.Context, r memory.Record)
}

// Retriever fetches memory snippets relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// Context carries everything a handler may touch during one run. Handlers
// observe cancellation through the run context; the engine cancels it when
// a cancel request is flagged on the task.
type Context struct {
	Task   *Task
	Input  map[string]any
	Flows  FlowRunner
	Memory Retriever
	Audit  Recorder
}

// Handler executes one task type. The returned map becomes the task result
// on success; a returned error drives the retry and escalation policy.
type Handler interface {
	Execute(ctx context.Context, tc *Context) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tc *Context) (map[string]any, error)

// Execute calls the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, tc *Context) (map[string]any, error) {
	return f(ctx, tc)
}
