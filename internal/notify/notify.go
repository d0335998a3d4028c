// Package notify fans task lifecycle events out to messaging channels. The
// core engine emits events; channel formatting lives entirely here.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind classifies what happened.
type EventKind string

const (
	KindTaskEscalated  EventKind = "task-escalated"
	KindInboxThreshold EventKind = "inbox-threshold"
	KindTaskTransition EventKind = "task-transition"
)

// Event is the channel-agnostic notification payload.
type Event struct {
	Kind    EventKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// Notifier delivers an event to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Hub fans events out to every registered notifier. Delivery is best-effort:
// a failing channel is logged and skipped, never propagated to the caller.
type Hub struct {
	mu        sync.RWMutex
	notifiers []Notifier
	logger    *zap.Logger
}

// NewHub creates an empty notification hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger}
}

// Register adds a delivery channel.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers = append(h.notifiers, n)
}

// Channels returns the registered channel names.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for _, n := range h.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Publish delivers the event to all channels.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	targets := make([]Notifier, len(h.notifiers))
	copy(targets, h.notifiers)
	h.mu.RUnlock()

	for _, n := range targets {
		if err := n.Notify(ctx, ev); err != nil {
			h.logger.Warn("notification delivery failed",
				zap.String("channel", n.Name()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}
