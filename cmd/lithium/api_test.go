package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	db, err := store.OpenTestDB()
	require.NoError(t, err)
	s, err := NewServer(db, Config{Bind: "127.0.0.1:0", AdminToken: "sekrit", Workers: 2})
	require.NoError(t, err)
	t.Cleanup(s.pool.Shutdown)
	return s
}

func doRequest(s *Server, method, path, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekrit")
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

// echoprometheus registers its collectors globally, so there is one server for the whole API test.
func TestAdminAPI(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.engine.Governance.SetOwner(ctx, "g1", "owner"))

	t.Run("health", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/_health", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/config", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("policies", func(t *testing.T) {
		assert := assert.New(t)
		body := `{"rule_id": "spam", "trigger": {"event_types": ["message"]}, "conditions": {"content_patterns": [{"type": "keyword", "value": "spam"}]}}`
		rec := doRequest(s, http.MethodPost, "/v1/guilds/g1/policies", "owner", body)
		assert.Equal(http.StatusCreated, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/policies", "owner", body)
		assert.Equal(http.StatusConflict, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/policies", "owner", `{"rule_id": "bad", "trigger": {"event_types": []}}`)
		assert.Equal(http.StatusBadRequest, rec.Code)
		var ge GenericError
		assert.NoError(json.Unmarshal(rec.Body.Bytes(), &ge))
		assert.Equal("InvalidRequest", ge.Error)

		rec = doRequest(s, http.MethodGet, "/v1/guilds/g1/policies/spam/history", "", "")
		assert.Equal(http.StatusOK, rec.Code)
		var history []store.PolicyVersion
		assert.NoError(json.Unmarshal(rec.Body.Bytes(), &history))
		assert.Len(history, 1)

		rec = doRequest(s, http.MethodGet, "/v1/guilds/g1/policies/missing", "", "")
		assert.Equal(http.StatusNotFound, rec.Code)
	})

	t.Run("safe mode", func(t *testing.T) {
		assert := assert.New(t)
		rec := doRequest(s, http.MethodPost, "/v1/guilds/g1/safe_mode", "", `{"enabled": true}`)
		assert.Equal(http.StatusBadRequest, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/safe_mode", "someone", `{"enabled": true}`)
		assert.Equal(http.StatusForbidden, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/safe_mode", "owner", `{"enabled": true}`)
		assert.Equal(http.StatusOK, rec.Code)
		var cfg store.GovernanceConfig
		assert.NoError(json.Unmarshal(rec.Body.Bytes(), &cfg))
		assert.True(cfg.SafeMode)
	})

	t.Run("ingest", func(t *testing.T) {
		assert := assert.New(t)
		rec := doRequest(s, http.MethodPost, "/v1/events", "", `{"type": "message", "guild_id": "g1", "user_id": "u1", "channel_id": "c1", "message_id": "m1", "content": "hi"}`)
		assert.Equal(http.StatusAccepted, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/events", "", `{"type": "message"}`)
		assert.Equal(http.StatusBadRequest, rec.Code)
	})

	t.Run("tickets", func(t *testing.T) {
		assert := assert.New(t)
		rec := doRequest(s, http.MethodPost, "/v1/guilds/g1/tickets", "member-1", `{"type": "report", "subject": "spam in #general"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		var tk store.TicketV2
		assert.NoError(json.Unmarshal(rec.Body.Bytes(), &tk))

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/tickets/"+tk.TicketID+"/triage", "member-1", `{}`)
		assert.Equal(http.StatusForbidden, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/tickets/"+tk.TicketID+"/triage", "owner", `{}`)
		assert.Equal(http.StatusOK, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/tickets/"+tk.TicketID+"/decide", "owner", `{"resolution": "approved"}`)
		assert.Equal(http.StatusConflict, rec.Code)

		rec = doRequest(s, http.MethodPost, "/v1/guilds/g1/tickets/"+tk.TicketID+"/frobnicate", "owner", `{}`)
		assert.Equal(http.StatusNotFound, rec.Code)
	})
}
