package cliutil

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert := assert.New(t)

	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warn": slog.LevelWarn, "error": slog.LevelError} {
		l, err := ParseLevel(in)
		assert.NoError(err)
		assert.Equal(want, l)
	}
	_, err := ParseLevel("loud")
	assert.Error(err)
}

func TestSetupDatabaseSqlite(t *testing.T) {
	assert := assert.New(t)

	_, err := SetupDatabase("mysql://localhost", 1, false)
	assert.Error(err)

	db, err := SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "sub", "lithium.sqlite"), 10, false)
	assert.NoError(err)
	assert.NoError(store.AutoMigrate(db))
	assert.NoError(db.Create(&store.AuditEvent{EventID: "e1", GuildID: "g"}).Error)

	var ev store.AuditEvent
	assert.NoError(db.First(&ev).Error)
	assert.Equal("g", ev.GuildID)
	assert.False(ev.CreatedAt.IsZero())
}
