package task

import (
	"context"
	"fmt"

	"github.com/nidhogg/foreman/internal/adapter"
)

// EchoHandler returns its input unchanged. Useful for wiring checks and as
// the smallest possible handler.
func EchoHandler() Handler {
	return HandlerFunc(func(_ context.Context, tc *Context) (map[string]any, error) {
		return tc.Input, nil
	})
}

// FlowHandler runs the routing-graph flow named by the task input. The
// input key "flow" selects the flow; the rest of the input becomes the
// flow's initial context.
func FlowHandler() Handler {
	return HandlerFunc(func(ctx context.Context, tc *Context) (map[string]any, error) {
		if tc.Flows == nil {
			return nil, fmt.Errorf("no flow runner configured")
		}
		name, _ := tc.Input["flow"].(string)
		if name == "" {
			// Permanent: retrying an input with no flow name cannot help.
			return nil, fmt.Errorf("%w: task input has no flow name", adapter.ErrRejected)
		}
		inputs := make(map[string]any, len(tc.Input))
		for k, v := range tc.Input {
			if k == "flow" {
				continue
			}
			inputs[k] = v
		}
		return tc.Flows.RunFlow(ctx, name, inputs)
	})
}
