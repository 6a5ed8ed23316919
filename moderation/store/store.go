// Relational persistence for the governance pipeline: gorm models and a few shared helpers.
//
// Services in the sibling packages hold a *gorm.DB and issue their own queries against these models.
package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// AllModels lists every table, in migration order.
func AllModels() []any {
	return []any{
		&GovernanceConfig{},
		&Policy{},
		&PolicyVersion{},
		&UserRiskProfile{},
		&ModCase{},
		&Evidence{},
		&ChannelHeat{},
		&DiscordAction{},
		&AuditEvent{},
		&TicketV2{},
		&TicketMessageV2{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// Maps gorm's not-found error to ErrNotFound, passing anything else through.
func NotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// IsDuplicate reports unique constraint violations. Relies on gorm TranslateError, with a fallback on driver error text.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// GuildSuffix returns the last four characters of a guild id, used as the prefix of case and ticket ids.
func GuildSuffix(guildID string) string {
	if len(guildID) <= 4 {
		return guildID
	}
	return guildID[len(guildID)-4:]
}
