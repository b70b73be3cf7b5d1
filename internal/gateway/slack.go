package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts task announcements to a Slack channel.
type SlackAdapter struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. botToken is the Bot User OAuth
// Token (xoxb-...); channelID is the channel announcements go to.
func NewSlackAdapter(botToken, channelID string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		client:    slack.New(botToken),
		channelID: channelID,
		logger:    logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Announce posts the notice to the configured channel.
func (a *SlackAdapter) Announce(ctx context.Context, ann *Announcement) error {
	_, _, err := a.client.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionText(ann.Render(), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	a.logger.Debug("announced on slack",
		zap.String("task_id", ann.TaskID),
		zap.String("channel", a.channelID))
	return nil
}

func (a *SlackAdapter) Close() error { return nil }
