package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter posts task announcements to a Discord channel.
type DiscordAdapter struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter. Announcements go out over the
// REST API, so the gateway websocket is never opened.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) (*DiscordAdapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordAdapter{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Announce posts the notice to the configured channel.
func (a *DiscordAdapter) Announce(ctx context.Context, ann *Announcement) error {
	_, err := a.session.ChannelMessageSend(a.channelID, ann.Render(),
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	a.logger.Debug("announced on discord",
		zap.String("task_id", ann.TaskID),
		zap.String("channel", a.channelID))
	return nil
}

func (a *DiscordAdapter) Close() error {
	return a.session.Close()
}
