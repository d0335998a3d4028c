package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes events to the structured log. It is always registered
// so escalations remain visible with no chat channel configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

// Notify logs the event.
func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("notification",
		zap.String("kind", string(ev.Kind)),
		zap.String("task_id", ev.TaskID),
		zap.String("summary", ev.Summary))
	return nil
}
