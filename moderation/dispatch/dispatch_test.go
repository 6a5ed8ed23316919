package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/countstore"
	"github.com/lithium-bot/lithium/moderation/store"
	"github.com/lithium-bot/lithium/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)

func testDispatcher(t *testing.T) (*Dispatcher, *RecordingExecutor, *cases.Service) {
	db, err := store.OpenTestDB()
	require.NoError(t, err)
	cs := cases.NewService(db, nil)
	rec := NewRecordingExecutor()
	d := NewDispatcher(rec, cs, countstore.NewMemCountStore(), nil)
	d.Now = func() time.Time { return fixedNow }
	return d, rec, cs
}

func TestActionID(t *testing.T) {
	assert := assert.New(t)

	a := ActionID("g1", ActionDelete, "m1", fixedNow)
	assert.Len(a, 32)
	assert.Equal(a, ActionID("g1", ActionDelete, "m1", fixedNow.Add(30*time.Second)))
	assert.NotEqual(a, ActionID("g1", ActionDelete, "m1", fixedNow.Add(time.Minute)))
	assert.NotEqual(a, ActionID("g1", ActionDelete, "m2", fixedNow))
	assert.NotEqual(a, ActionID("g1", ActionWarn, "m1", fixedNow))
	assert.NotEqual(a, ActionID("g2", ActionDelete, "m1", fixedNow))
}

func TestDispatchOnce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	d, rec, cs := testDispatcher(t)

	req := Request{Type: ActionDelete, GuildID: "g1", ChannelID: "c1", MessageID: "m1", UserID: "u1", Reason: "spam"}
	res := d.Dispatch(ctx, req)
	assert.True(res.OK())
	assert.False(res.Duplicate)

	again := d.Dispatch(ctx, req)
	assert.Equal(res.ActionID, again.ActionID)
	assert.True(again.Duplicate)
	assert.Equal(store.ActionStatusSkipped, again.Status)
	assert.Len(rec.CallsTo("DeleteMessage"), 1)

	a, err := cs.GetAction(ctx, res.ActionID)
	assert.NoError(err)
	assert.Equal(store.ActionStatusSuccess, a.Status)
	assert.Equal("m1", a.TargetID)
	assert.NotNil(a.CompletedAt)

	// a new minute is a new action
	d.Now = func() time.Time { return fixedNow.Add(time.Minute) }
	assert.True(d.Dispatch(ctx, req).OK())
	assert.Len(rec.CallsTo("DeleteMessage"), 2)
}

func TestDispatchFailureRecorded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	d, rec, cs := testDispatcher(t)
	rec.Fail["TimeoutUser"] = errors.New("missing permissions")

	res := d.Dispatch(ctx, Request{Type: ActionTimeout, GuildID: "g1", UserID: "u1", Duration: time.Minute})
	assert.False(res.OK())
	assert.Equal(store.ActionStatusFailed, res.Status)
	assert.Contains(res.Error, "missing permissions")

	a, err := cs.GetAction(ctx, res.ActionID)
	assert.NoError(err)
	assert.Equal(store.ActionStatusFailed, a.Status)
	assert.Equal("missing permissions", a.Error)

	res = d.Dispatch(ctx, Request{Type: "ban", GuildID: "g1", UserID: "u1"})
	assert.Equal(store.ActionStatusFailed, res.Status)
	assert.Contains(res.Error, ErrUnknownAction.Error())
}

func TestTimeoutQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	d, rec, _ := testDispatcher(t)
	d.TimeoutQuotaHour = 2

	for _, u := range []string{"u1", "u2"} {
		assert.True(d.Dispatch(ctx, Request{Type: ActionTimeout, GuildID: "g1", UserID: u, Duration: time.Minute}).OK())
	}
	res := d.Dispatch(ctx, Request{Type: ActionTimeout, GuildID: "g1", UserID: "u3", Duration: time.Minute})
	assert.True(res.QuotaExceeded)
	assert.Equal(store.ActionStatusSkipped, res.Status)
	assert.Len(rec.CallsTo("TimeoutUser"), 2)

	// other guilds and other action types are unaffected
	assert.True(d.Dispatch(ctx, Request{Type: ActionTimeout, GuildID: "g2", UserID: "u3", Duration: time.Minute}).OK())
	assert.True(d.Dispatch(ctx, Request{Type: ActionWarn, GuildID: "g1", UserID: "u3", Content: "stop"}).OK())
}

func TestNudgeAndNotify(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	d, rec, _ := testDispatcher(t)

	assert.True(d.Dispatch(ctx, Request{Type: ActionNudge, GuildID: "g1", ChannelID: "c1", UserID: "u1", Content: "slow down"}).OK())
	calls := rec.CallsTo("SendMessage")
	assert.Len(calls, 1)
	assert.Equal("<@u1> slow down", calls[0].Content)

	assert.NoError(d.Notify(ctx, "g1", "", "nowhere"))
	assert.NoError(d.Notify(ctx, "g1", "modlog", "case 1"))
	assert.NoError(d.Notify(ctx, "g1", "modlog", "case 1"))
	assert.Len(rec.CallsTo("SendMessage"), 3)
}

func TestRESTExecutor(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var hits atomic.Int32
	var lastAuth, lastReason string
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/c1/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		lastAuth = r.Header.Get("Authorization")
		lastReason = r.Header.Get("X-Audit-Log-Reason")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/channels/c1/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	var patchHits atomic.Int32
	mux.HandleFunc("/guilds/g1/members/u1", func(w http.ResponseWriter, r *http.Request) {
		patchHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	var dmBody map[string]any
	mux.HandleFunc("/users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"dm9"}`))
	})
	mux.HandleFunc("/channels/dm9/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&dmBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ex := NewRESTExecutor(RESTConfig{
		BaseURL:     srv.URL,
		Token:       "secret",
		RateLimit:   1000,
		HTTPOptions: []util.HTTPOption{util.WithRetryWait(time.Millisecond, 5*time.Millisecond)},
	}, nil)

	// 429 is retried
	assert.NoError(ex.DeleteMessage(ctx, "g1", "c1", "m1", "spam link"))
	assert.Equal(int32(2), hits.Load())
	assert.Equal("Bot secret", lastAuth)
	assert.Equal("spam%20link", lastReason)

	assert.NoError(ex.DeleteMessage(ctx, "g1", "c1", "gone", ""))

	// 5xx is not
	err := ex.TimeoutUser(ctx, "g1", "u1", time.Minute, "")
	var apiErr *APIError
	assert.ErrorAs(err, &apiErr)
	assert.Equal(http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(int32(1), patchHits.Load())

	assert.NoError(ex.SendDM(ctx, "u1", "you were warned"))
	assert.Equal("you were warned", dmBody["content"])
}

func TestSlowmodeBandChangesInSameMinute(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	d, rec, cs := testDispatcher(t)

	for _, seconds := range []int{10, 20, 0} {
		res := d.Dispatch(ctx, Request{Type: ActionSlowmode, GuildID: "g1", ChannelID: "c1", Seconds: seconds})
		assert.True(res.OK(), "slowmode %d", seconds)
		assert.False(res.Duplicate)
	}
	again := d.Dispatch(ctx, Request{Type: ActionSlowmode, GuildID: "g1", ChannelID: "c1", Seconds: 0})
	assert.True(again.Duplicate)

	calls := rec.CallsTo("SetSlowmode")
	require.Len(t, calls, 3)
	assert.Equal(0, calls[2].Seconds)

	a, err := cs.GetAction(ctx, again.ActionID)
	assert.NoError(err)
	assert.Equal("c1", a.TargetID)
}
