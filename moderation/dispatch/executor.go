package dispatch

import (
	"context"
	"time"
)

// Executor performs enforcement calls against the chat platform. reason is recorded in the platform's own audit log where supported.
type Executor interface {
	DeleteMessage(ctx context.Context, guildID, channelID, messageID, reason string) error
	TimeoutUser(ctx context.Context, guildID, userID string, d time.Duration, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
	SetSlowmode(ctx context.Context, guildID, channelID string, seconds int, reason string) error
	SendMessage(ctx context.Context, guildID, channelID, content string) error
	SendDM(ctx context.Context, userID, content string) error
}
