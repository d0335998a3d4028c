package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts events to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack channel notifier. token is the Bot User
// OAuth Token (xoxb-...).
func NewSlackNotifier(token, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Notify posts the event as a single message.
func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	text := format(ev)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func format(ev Event) string {
	switch ev.Kind {
	case KindTaskEscalated:
		return fmt.Sprintf("*Task escalated* `%s`\n%s", ev.TaskID, ev.Summary)
	case KindInboxThreshold:
		return fmt.Sprintf("*Inbox backlog*\n%s", ev.Summary)
	default:
		if ev.TaskID != "" {
			return fmt.Sprintf("Task `%s`: %s", ev.TaskID, ev.Summary)
		}
		return ev.Summary
	}
}
