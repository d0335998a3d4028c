package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Action is what the decider wants done with an escalated task.
type Action string

const (
	ActionRetryNow      Action = "retry-now"
	ActionCloseResolved Action = "close-as-resolved"
	ActionKeepEscalated Action = "keep-escalated"
)

// FailureReport describes an exhausted failure for the decider.
type FailureReport struct {
	Task   *Task
	Reason string
}

// Decider chooses what happens to a task after retries are exhausted.
// Any decider error means the task stays escalated for a human.
type Decider interface {
	Decide(ctx context.Context, report FailureReport) (Action, error)
}

// RuleDecider maps task types to fixed actions. Deterministic and cheap;
// the usual default for production traffic.
type RuleDecider struct {
	Rules   map[string]Action
	Default Action
}

// Decide looks up the action for the task's type.
func (d *RuleDecider) Decide(_ context.Context, report FailureReport) (Action, error) {
	if action, ok := d.Rules[report.Task.Type]; ok {
		return action, nil
	}
	if d.Default != "" {
		return d.Default, nil
	}
	return ActionKeepEscalated, nil
}

// FlowDecider runs a routing-graph flow over the failure and parses its
// decision. Any flow error or unrecognized decision keeps the task
// escalated; the decider must never make things worse.
type FlowDecider struct {
	flows  FlowRunner
	flow   string
	logger *zap.Logger
}

// NewFlowDecider creates a decider backed by the named flow.
func NewFlowDecider(flows FlowRunner, flow string, logger *zap.Logger) *FlowDecider {
	return &FlowDecider{flows: flows, flow: flow, logger: logger}
}

// Decide runs the flow with the failure context and reads its "decision"
// output.
func (d *FlowDecider) Decide(ctx context.Context, report FailureReport) (Action, error) {
	out, err := d.flows.RunFlow(ctx, d.flow, map[string]any{
		"task_id":     report.Task.ID,
		"task_type":   report.Task.Type,
		"error":       report.Reason,
		"retry_count": report.Task.RetryCount,
	})
	if err != nil {
		return ActionKeepEscalated, fmt.Errorf("decision flow %q: %w", d.flow, err)
	}

	decision, _ := out["decision"].(string)
	switch Action(decision) {
	case ActionRetryNow, ActionCloseResolved, ActionKeepEscalated:
		return Action(decision), nil
	default:
		d.logger.Warn("decision flow produced unrecognized decision",
			zap.String("flow", d.flow), zap.String("decision", decision))
		return ActionKeepEscalated, nil
	}
}
