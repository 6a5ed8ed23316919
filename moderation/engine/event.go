package engine

import (
	"errors"
	"time"

	"github.com/lithium-bot/lithium/moderation/policy"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is the normalized activity event delivered by the gateway consumer or the ingest API.
type Event struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	// attachment URLs
	Attachments []string `json:"attachments,omitempty"`
	// mentioned user and role ids
	Mentions         []string   `json:"mentions,omitempty"`
	AccountCreatedAt *time.Time `json:"account_created_at,omitempty"`
	JoinedAt         *time.Time `json:"joined_at,omitempty"`
	HasAvatar        *bool      `json:"has_avatar,omitempty"`
	Roles            []string   `json:"roles,omitempty"`
	IsBot            bool       `json:"is_bot,omitempty"`
	Timestamp        time.Time  `json:"timestamp,omitempty"`
}

// Normalize canonicalizes the event type ("message" becomes "message_created") and checks required fields.
func (evt *Event) Normalize() error {
	if canon, ok := policy.CanonicalEventType(evt.Type); ok {
		evt.Type = canon
	}
	if evt.Type == "" || evt.GuildID == "" || evt.UserID == "" {
		return ErrInvalidEvent
	}
	return nil
}
