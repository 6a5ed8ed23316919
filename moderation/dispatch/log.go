package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// LogExecutor is a dry-run executor. Every call is logged and reported as successful.
type LogExecutor struct {
	Logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{Logger: logger.With("component", "log-executor")}
}

func (l *LogExecutor) DeleteMessage(ctx context.Context, guildID, channelID, messageID, reason string) error {
	l.Logger.Info("dry-run: delete message", "guild", guildID, "channel", channelID, "message", messageID, "reason", reason)
	return nil
}

func (l *LogExecutor) TimeoutUser(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	l.Logger.Info("dry-run: timeout user", "guild", guildID, "user", userID, "duration", d, "reason", reason)
	return nil
}

func (l *LogExecutor) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	l.Logger.Info("dry-run: add role", "guild", guildID, "user", userID, "role", roleID, "reason", reason)
	return nil
}

func (l *LogExecutor) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	l.Logger.Info("dry-run: remove role", "guild", guildID, "user", userID, "role", roleID, "reason", reason)
	return nil
}

func (l *LogExecutor) SetSlowmode(ctx context.Context, guildID, channelID string, seconds int, reason string) error {
	l.Logger.Info("dry-run: set slowmode", "guild", guildID, "channel", channelID, "seconds", seconds, "reason", reason)
	return nil
}

func (l *LogExecutor) SendMessage(ctx context.Context, guildID, channelID, content string) error {
	l.Logger.Info("dry-run: send message", "guild", guildID, "channel", channelID, "content", content)
	return nil
}

func (l *LogExecutor) SendDM(ctx context.Context, userID, content string) error {
	l.Logger.Info("dry-run: send dm", "user", userID, "content", content)
	return nil
}
