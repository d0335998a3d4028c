package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/nidhogg/foreman/internal/adapter"
	"go.uber.org/zap"
)

// Retriever supplies memory context for nodes with the use-of-memory flag.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

// Executor traverses flows, invoking adapters and accumulating context.
// It is safe for concurrent use: all per-run state is local.
type Executor struct {
	graph     *Graph
	adapters  *adapter.Registry
	retriever Retriever // may be nil
	topK      int
	logger    *zap.Logger
}

// NewExecutor creates a flow executor over a validated graph.
func NewExecutor(g *Graph, adapters *adapter.Registry, retriever Retriever, topK int, logger *zap.Logger) *Executor {
	if topK <= 0 {
		topK = 5
	}
	return &Executor{graph: g, adapters: adapters, retriever: retriever, topK: topK, logger: logger}
}

// RunFlow executes the named flow from its entry node and returns the final
// accumulated context. Traversal is sequential except at explicit fan-outs.
func (ex *Executor) RunFlow(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	flow, ok := ex.graph.Flows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, name)
	}

	cctx := cloneContext(inputs)
	visits := make(map[string]int)
	steps := 0
	cur := flow.Entry

	for {
		// Cooperative cancellation: observed between node executions.
		if err := ctx.Err(); err != nil {
			return nil, &NodeError{Flow: name, Node: cur, Partial: cctx, Err: err}
		}
		if steps >= flow.MaxSteps {
			return nil, &NodeError{Flow: name, Node: cur, Partial: cctx,
				Err: fmt.Errorf("%w: exceeded %d steps", ErrFlowDivergence, flow.MaxSteps)}
		}

		node, _ := flow.Node(cur)
		if err := ex.execNode(ctx, node, cctx); err != nil {
			return nil, &NodeError{Flow: name, Node: cur, Partial: cctx, Err: err}
		}
		steps++
		visits[cur]++

		edges := flow.OutEdges(cur)
		if len(edges) == 0 {
			return cctx, nil
		}

		unconditional := unconditionalEdges(edges)
		if len(unconditional) > 1 {
			join, err := ex.runBranches(ctx, flow, unconditional, cctx, &steps)
			if err != nil {
				return nil, &NodeError{Flow: name, Node: cur, Partial: cctx, Err: err}
			}
			cur = join
			continue
		}

		next, err := ex.selectEdge(edges, cctx, visits)
		if err != nil {
			return nil, &NodeError{Flow: name, Node: cur, Partial: cctx, Err: err}
		}
		cur = next
	}
}

// execNode validates the node's inputs against the context, optionally
// injects memory context, invokes the bound adapter and merges declared
// outputs back into cctx.
func (ex *Executor) execNode(ctx context.Context, node *Node, cctx map[string]any) error {
	// Input validation happens before any adapter call.
	for _, key := range node.Inputs {
		if _, ok := cctx[key]; !ok {
			return fmt.Errorf("%w: node %q requires key %q", ErrMissingInput, node.ID, key)
		}
	}

	a, ok := ex.adapters.Get(node.Backend)
	if !ok {
		return fmt.Errorf("no adapter registered for backend %q", node.Backend)
	}

	in := cloneContext(cctx)
	if node.Kind == KindModelCall {
		in["prompt"] = node.Prompt
	}

	if node.UseMemory && ex.retriever != nil {
		query := adapter.RenderTemplate(node.Prompt, cctx)
		if query == "" {
			query = joinInputs(node, cctx)
		}
		snippets, err := ex.retriever.Retrieve(ctx, query, ex.topK)
		if err != nil {
			// Retrieval failures degrade context quality, not correctness.
			ex.logger.Warn("memory retrieval failed", zap.String("node", node.ID), zap.Error(err))
		} else if len(snippets) > 0 {
			in["memory_context"] = strings.Join(snippets, "\n---\n")
		}
	}

	out, err := a.Invoke(ctx, in)
	if err != nil {
		return err
	}

	if len(node.Outputs) == 0 {
		for k, v := range out {
			cctx[k] = v
		}
		return nil
	}
	for _, key := range node.Outputs {
		if v, ok := out[key]; ok {
			cctx[key] = v
			continue
		}
		// A model node's single declared output takes the response text.
		if text, ok := out["text"]; ok && len(node.Outputs) == 1 {
			cctx[key] = text
			continue
		}
		return fmt.Errorf("%w: adapter %q produced no output %q", adapter.ErrRejected, node.Backend, key)
	}
	return nil
}

// selectEdge follows the first conditional edge whose expression is true,
// falling back to the unconditional edge.
func (ex *Executor) selectEdge(edges []*Edge, cctx map[string]any, visits map[string]int) (string, error) {
	env := make(map[string]any, len(cctx)+1)
	for k, v := range cctx {
		env[k] = v
	}
	env["visits"] = visits

	var fallback string
	for _, e := range edges {
		if e.When == "" {
			fallback = e.To
			continue
		}
		result, err := expr.Run(e.program, env)
		if err != nil {
			return "", fmt.Errorf("evaluate condition %q: %w", e.When, err)
		}
		if truthy(result) {
			return e.To, nil
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("no edge condition matched")
	}
	return fallback, nil
}

// runBranches executes parallel fan-out branches concurrently. All branches
// must succeed; on any failure the others are cancelled and the partial
// branch results are discarded. Outputs merge only at the join node.
func (ex *Executor) runBranches(ctx context.Context, flow *Flow, edges []*Edge, cctx map[string]any, steps *int) (string, error) {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		deltas   []map[string]any
		join     string
	)

	for _, e := range edges {
		wg.Add(1)
		go func(start string) {
			defer wg.Done()
			delta, end, n, err := ex.runBranch(branchCtx, flow, start, cloneContext(cctx))

			mu.Lock()
			defer mu.Unlock()
			*steps += n
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			join = end
			deltas = append(deltas, delta)
		}(e.To)
	}
	wg.Wait()

	if firstErr != nil {
		return "", fmt.Errorf("branch failed: %w", firstErr)
	}
	// Merge each branch's produced keys; branch outputs are expected to be
	// disjoint (enforced by convention, validated chains are linear).
	for _, delta := range deltas {
		for k, v := range delta {
			cctx[k] = v
		}
	}
	return join, nil
}

// runBranch executes a linear chain until the join node (exclusive) and
// returns the keys it produced.
func (ex *Executor) runBranch(ctx context.Context, flow *Flow, start string, local map[string]any) (map[string]any, string, int, error) {
	before := cloneContext(local)
	cur := start
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", n, err
		}
		node, _ := flow.Node(cur)
		if node.Join {
			break
		}
		if err := ex.execNode(ctx, node, local); err != nil {
			return nil, "", n, fmt.Errorf("node %q: %w", cur, err)
		}
		n++
		next := flow.OutEdges(cur)
		if len(next) == 0 {
			return nil, "", n, fmt.Errorf("branch from %q ended without a join node", start)
		}
		cur = next[0].To
	}

	delta := make(map[string]any)
	for k, v := range local {
		if _, existed := before[k]; !existed {
			delta[k] = v
		}
	}
	return delta, cur, n, nil
}

func unconditionalEdges(edges []*Edge) []*Edge {
	var out []*Edge
	for _, e := range edges {
		if e.When == "" {
			out = append(out, e)
		}
	}
	return out
}

func joinInputs(node *Node, cctx map[string]any) string {
	var parts []string
	for _, key := range node.Inputs {
		parts = append(parts, fmt.Sprint(cctx[key]))
	}
	return strings.Join(parts, " ")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return false
	}
}

func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
