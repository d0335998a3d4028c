package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts events to a Discord channel through the bot API.
type DiscordNotifier struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordNotifier creates a Discord channel notifier and opens the
// session. The caller owns the returned notifier and should Close it on
// shutdown.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	return &DiscordNotifier{session: session, channel: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

// Notify posts the event as a single channel message.
func (n *DiscordNotifier) Notify(_ context.Context, ev Event) error {
	var content string
	switch ev.Kind {
	case KindTaskEscalated:
		content = fmt.Sprintf("**Task escalated** `%s`\n%s", ev.TaskID, ev.Summary)
	case KindInboxThreshold:
		content = fmt.Sprintf("**Inbox backlog**\n%s", ev.Summary)
	default:
		content = ev.Summary
		if ev.TaskID != "" {
			content = fmt.Sprintf("Task `%s`: %s", ev.TaskID, ev.Summary)
		}
	}
	if _, err := n.session.ChannelMessageSend(n.channel, content); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}
