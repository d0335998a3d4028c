package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/queue"
	"go.uber.org/zap"
)

// Store is the durable task state the engine operates on. All status
// changes go through conditional transitions; the store returns
// ErrInvalidTransition when the task is not in the expected state.
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	MarkQueued(ctx context.Context, id string, from ...Status) error
	MarkRejected(ctx context.Context, id, reason string) error
	MarkDelayed(ctx context.Context, id string, until time.Time, fallback Fallback) error
	ClaimRunning(ctx context.Context, id, workerID string, lease time.Duration) (*Task, error)
	ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error
	MarkSucceeded(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id, errDetail string) error
	RetryFailed(ctx context.Context, id string) error
	MarkEscalated(ctx context.Context, id string) error
	ResolveEscalated(ctx context.Context, id string, result map[string]any) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	OpenInboxEntry(ctx context.Context, e *InboxEntry) error
	ResolveInboxEntry(ctx context.Context, taskID, decision string) error
}

// Options tunes the engine's retry and worker behavior.
type Options struct {
	WorkerCount    int
	MaxRetries     int
	BackoffBase    time.Duration
	HandlerTimeout time.Duration
	Lease          time.Duration
	Heartbeat      time.Duration

	// DefaultFallback applies when a submission or delay names no fallback
	// of its own.
	DefaultFallback Fallback
}

func (o *Options) applyDefaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = o.Lease / 3
	}
	if o.DefaultFallback == "" {
		o.DefaultFallback = FallbackEscalate
	}
}

// SubmitOptions are per-submission controls.
type SubmitOptions struct {
	Tags             []string
	RequiresApproval bool
	Summary          string
	Deadline         *time.Time
	Fallback         Fallback
}

// Engine owns the task lifecycle: registration, submission, approval flow,
// and the worker pool that executes handlers.
type Engine struct {
	store   Store
	queue   queue.Queue
	flows   FlowRunner
	memory  Retriever
	audit   Recorder
	hub     *notify.Hub
	decider Decider
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewEngine creates a task engine. flows, memory, audit and decider may be
// nil; the engine degrades to logging-only audit and keep-escalated decisions.
func NewEngine(store Store, q queue.Queue, hub *notify.Hub, opts Options, logger *zap.Logger) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:    store,
		queue:    q,
		hub:      hub,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// SetFlows injects the flow runner handed to handlers.
func (e *Engine) SetFlows(f FlowRunner) { e.flows = f }

// SetMemory injects the retrieval handle handed to handlers.
func (e *Engine) SetMemory(r Retriever) { e.memory = r }

// SetAudit injects the audit recorder for transition records.
func (e *Engine) SetAudit(a Recorder) { e.audit = a }

// SetDecider injects the escalation decider.
func (e *Engine) SetDecider(d Decider) { e.decider = d }

// Register binds a handler to a task type name. Duplicate names error.
func (e *Engine) Register(name string, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRegistration, name)
	}
	e.handlers[name] = h
	return nil
}

// Types returns the registered task type names.
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

func (e *Engine) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Submit creates a task. Approval-required tasks land in the inbox as
// pending; everything else is queued for immediate execution.
func (e *Engine) Submit(ctx context.Context, typeName string, input map[string]any, origin Origin, opts SubmitOptions) (*Task, error) {
	if _, ok := e.handler(typeName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, typeName)
	}

	t := &Task{
		Type:             typeName,
		Status:           StatusQueued,
		Input:            input,
		Origin:           origin,
		Tags:             opts.Tags,
		RequiresApproval: opts.RequiresApproval,
	}
	if opts.RequiresApproval {
		t.Status = StatusPending
	}
	if err := e.store.InsertTask(ctx, t); err != nil {
		return nil, err
	}

	if t.Status == StatusPending {
		entry := &InboxEntry{
			TaskID:   t.ID,
			Summary:  submissionSummary(t, opts.Summary),
			Deadline: opts.Deadline,
			Fallback: opts.Fallback,
		}
		if entry.Fallback == "" {
			entry.Fallback = e.opts.DefaultFallback
		}
		if err := e.store.OpenInboxEntry(ctx, entry); err != nil {
			return nil, err
		}
		e.record(ctx, t.ID, t.Type, StatusPending, "awaiting approval")
		return t, nil
	}

	if err := e.queue.Push(ctx, t.ID); err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	e.record(ctx, t.ID, t.Type, StatusQueued, "submitted")
	return t, nil
}

// Status returns the current task state.
func (e *Engine) Status(ctx context.Context, id string) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

// Approve moves a pending task to queued and pushes it for execution.
func (e *Engine) Approve(ctx context.Context, id string) error {
	if err := e.store.MarkQueued(ctx, id, StatusPending); err != nil {
		return err
	}
	if err := e.store.ResolveInboxEntry(ctx, id, "approved"); err != nil {
		e.logger.Warn("resolve inbox entry failed", zap.String("task_id", id), zap.Error(err))
	}
	if err := e.queue.Push(ctx, id); err != nil {
		return fmt.Errorf("enqueue task %s: %w", id, err)
	}
	e.record(ctx, id, e.taskType(ctx, id), StatusQueued, "approved")
	return nil
}

// Reject terminates a pending task. Rejection is permanent.
func (e *Engine) Reject(ctx context.Context, id, reason string) error {
	if err := e.store.MarkRejected(ctx, id, reason); err != nil {
		return err
	}
	if err := e.store.ResolveInboxEntry(ctx, id, "rejected"); err != nil {
		e.logger.Warn("resolve inbox entry failed", zap.String("task_id", id), zap.Error(err))
	}
	e.record(ctx, id, e.taskType(ctx, id), StatusRejected, reason)
	return nil
}

// Delay postpones a pending or queued task until the given time, with a
// fallback action applied if the deadline passes undecided.
func (e *Engine) Delay(ctx context.Context, id string, until time.Time, fallback Fallback) error {
	if fallback == "" {
		fallback = e.opts.DefaultFallback
	}
	if err := e.store.MarkDelayed(ctx, id, until, fallback); err != nil {
		return err
	}
	if err := e.store.ResolveInboxEntry(ctx, id, "delayed"); err != nil && !errors.Is(err, ErrInvalidTransition) {
		e.logger.Warn("resolve inbox entry failed", zap.String("task_id", id), zap.Error(err))
	}
	e.record(ctx, id, e.taskType(ctx, id), StatusDelayed, fmt.Sprintf("delayed until %s", until.Format(time.RFC3339)))
	return nil
}

// Cancel flags a queued or running task for cooperative cancellation.
// Workers observe the flag at the next heartbeat.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	e.record(ctx, id, e.taskType(ctx, id), "", "cancel requested")
	return nil
}

// Resolve closes an escalated task with a human-supplied result.
func (e *Engine) Resolve(ctx context.Context, id string, result map[string]any) error {
	if err := e.store.ResolveEscalated(ctx, id, result); err != nil {
		return err
	}
	e.record(ctx, id, e.taskType(ctx, id), StatusSucceeded, "escalation resolved")
	return nil
}

// taskType looks up a task's type for audit tagging. Best-effort: when the
// lookup fails the record just omits the type tag, it never blocks a
// transition that already happened.
func (e *Engine) taskType(ctx context.Context, id string) string {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return ""
	}
	return t.Type
}

// record writes an audit record and publishes a transition event. Both are
// best-effort observers of the state machine, never part of it.
func (e *Engine) record(ctx context.Context, id, typeName string, status Status, detail string) {
	summary := detail
	if status != "" {
		summary = fmt.Sprintf("%s: %s", status, detail)
	}
	if e.audit != nil {
		tags := []string{"task"}
		if typeName != "" {
			tags = append(tags, typeName)
		}
		if status != "" {
			tags = append(tags, string(status))
		}
		e.audit.Log(ctx, memory.Record{
			Content: fmt.Sprintf("task %s %s", id, summary),
			Tags:    tags,
			Source:  "engine",
			TaskID:  id,
		})
	}
	if e.hub != nil {
		kind := notify.KindTaskTransition
		if status == StatusEscalated {
			kind = notify.KindTaskEscalated
		}
		e.hub.Publish(ctx, notify.Event{Kind: kind, TaskID: id, Summary: summary})
	}
}

// submissionSummary prefers the caller's summary, falling back to a
// truncated dump of the input payload.
func submissionSummary(t *Task, summary string) string {
	if summary != "" {
		return summary
	}
	const maxLen = 200
	s := fmt.Sprintf("%s task: %v", t.Type, t.Input)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
