// Package inbox surfaces tasks awaiting a human decision and applies
// timeout fallbacks when nobody decides in time.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/task"
	"go.uber.org/zap"
)

// Store is the inbox's durable state.
type Store interface {
	PendingInboxEntries(ctx context.Context, limit int) ([]task.InboxEntry, error)
	PendingInboxCount(ctx context.Context) (int, error)
	ExpiredInboxEntries(ctx context.Context, now time.Time) ([]task.InboxEntry, error)
	ResolveInboxEntry(ctx context.Context, taskID, decision string) error
	EscalateStale(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// Actions are the engine operations fallbacks apply.
type Actions interface {
	Approve(ctx context.Context, id string) error
	Reject(ctx context.Context, id, reason string) error
}

// Summarizer produces a richer human-facing summary for an entry. It is
// best-effort: on error the stored summary stands.
type Summarizer func(ctx context.Context, t *task.Task) (string, error)

// Config tunes inbox behavior.
type Config struct {
	// AlertThreshold is the pending count that triggers one batched
	// notification. Zero disables the alert.
	AlertThreshold int

	// EscalateReruns, when set, makes the escalate fallback also requeue
	// the task once instead of parking it for a human.
	EscalateReruns bool
}

// Inbox lists pending approvals and sweeps expired deadlines.
type Inbox struct {
	store     Store
	actions   Actions
	hub       *notify.Hub
	summarize Summarizer
	cfg       Config
	logger    *zap.Logger

	mu    sync.Mutex
	armed bool
}

// New creates an inbox. summarize may be nil.
func New(store Store, actions Actions, hub *notify.Hub, summarize Summarizer, cfg Config, logger *zap.Logger) *Inbox {
	return &Inbox{
		store:     store,
		actions:   actions,
		hub:       hub,
		summarize: summarize,
		cfg:       cfg,
		logger:    logger,
		armed:     true,
	}
}

// ListPending returns unresolved entries, oldest first. When a summarizer
// is configured it regenerates each summary best-effort.
func (i *Inbox) ListPending(ctx context.Context, limit int) ([]task.InboxEntry, error) {
	entries, err := i.store.PendingInboxEntries(ctx, limit)
	if err != nil {
		return nil, err
	}
	if i.summarize == nil {
		return entries, nil
	}
	for idx := range entries {
		t, err := i.store.GetTask(ctx, entries[idx].TaskID)
		if err != nil {
			continue
		}
		summary, err := i.summarize(ctx, t)
		if err != nil {
			i.logger.Debug("summarizer failed, keeping stored summary",
				zap.String("task_id", entries[idx].TaskID), zap.Error(err))
			continue
		}
		if summary != "" {
			entries[idx].Summary = summary
		}
	}
	return entries, nil
}

// Sweep applies timeout fallbacks to expired entries and checks the
// backlog threshold. Safe to call from concurrent scheduler instances:
// entry resolution is a conditional update, only one sweeper wins.
func (i *Inbox) Sweep(ctx context.Context, now time.Time) error {
	expired, err := i.store.ExpiredInboxEntries(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired entries: %w", err)
	}
	for _, e := range expired {
		if err := i.applyFallback(ctx, e); err != nil {
			i.logger.Warn("apply inbox fallback failed",
				zap.String("task_id", e.TaskID),
				zap.String("fallback", string(e.Fallback)),
				zap.Error(err))
		}
	}
	return i.checkThreshold(ctx)
}

func (i *Inbox) applyFallback(ctx context.Context, e task.InboxEntry) error {
	switch e.Fallback {
	case task.FallbackAutoRun:
		return i.actions.Approve(ctx, e.TaskID)

	case task.FallbackAutoReject:
		return i.actions.Reject(ctx, e.TaskID, "approval deadline passed")

	default: // escalate
		if i.cfg.EscalateReruns {
			if err := i.actions.Approve(ctx, e.TaskID); err != nil {
				return err
			}
		} else {
			if err := i.store.EscalateStale(ctx, e.TaskID); err != nil {
				return err
			}
			if err := i.store.ResolveInboxEntry(ctx, e.TaskID, "expired"); err != nil {
				i.logger.Warn("resolve expired entry failed",
					zap.String("task_id", e.TaskID), zap.Error(err))
			}
		}
		i.hub.Publish(ctx, notify.Event{
			Kind:    notify.KindTaskEscalated,
			TaskID:  e.TaskID,
			Summary: fmt.Sprintf("approval deadline passed: %s", e.Summary),
		})
		return nil
	}
}

// checkThreshold emits one batched notification when the pending count
// crosses the threshold, and re-arms only after the backlog drops below it.
func (i *Inbox) checkThreshold(ctx context.Context) error {
	if i.cfg.AlertThreshold <= 0 {
		return nil
	}
	n, err := i.store.PendingInboxCount(ctx)
	if err != nil {
		return fmt.Errorf("pending inbox count: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if n >= i.cfg.AlertThreshold {
		if i.armed {
			i.armed = false
			i.hub.Publish(ctx, notify.Event{
				Kind:    notify.KindInboxThreshold,
				Summary: fmt.Sprintf("%d tasks awaiting approval (threshold %d)", n, i.cfg.AlertThreshold),
			})
		}
		return nil
	}
	i.armed = true
	return nil
}
