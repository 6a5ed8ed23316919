package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call is one executor invocation captured by RecordingExecutor.
type Call struct {
	Method    string
	GuildID   string
	ChannelID string
	UserID    string
	MessageID string
	RoleID    string
	Duration  time.Duration
	Seconds   int
	Content   string
}

// RecordingExecutor records every call for tests. Methods listed in Fail return an error instead.
type RecordingExecutor struct {
	lk    sync.Mutex
	calls []Call
	Fail  map[string]error
}

func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{Fail: map[string]error{}}
}

func (r *RecordingExecutor) record(c Call) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.calls = append(r.calls, c)
	if err, ok := r.Fail[c.Method]; ok {
		if err == nil {
			err = fmt.Errorf("%s failed", c.Method)
		}
		return err
	}
	return nil
}

func (r *RecordingExecutor) Calls() []Call {
	r.lk.Lock()
	defer r.lk.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *RecordingExecutor) CallsTo(method string) []Call {
	out := []Call{}
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *RecordingExecutor) Reset() {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.calls = nil
}

func (r *RecordingExecutor) DeleteMessage(ctx context.Context, guildID, channelID, messageID, reason string) error {
	return r.record(Call{Method: "DeleteMessage", GuildID: guildID, ChannelID: channelID, MessageID: messageID})
}

func (r *RecordingExecutor) TimeoutUser(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	return r.record(Call{Method: "TimeoutUser", GuildID: guildID, UserID: userID, Duration: d})
}

func (r *RecordingExecutor) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return r.record(Call{Method: "AddRole", GuildID: guildID, UserID: userID, RoleID: roleID})
}

func (r *RecordingExecutor) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return r.record(Call{Method: "RemoveRole", GuildID: guildID, UserID: userID, RoleID: roleID})
}

func (r *RecordingExecutor) SetSlowmode(ctx context.Context, guildID, channelID string, seconds int, reason string) error {
	return r.record(Call{Method: "SetSlowmode", GuildID: guildID, ChannelID: channelID, Seconds: seconds})
}

func (r *RecordingExecutor) SendMessage(ctx context.Context, guildID, channelID, content string) error {
	return r.record(Call{Method: "SendMessage", GuildID: guildID, ChannelID: channelID, Content: content})
}

func (r *RecordingExecutor) SendDM(ctx context.Context, userID, content string) error {
	return r.record(Call{Method: "SendDM", UserID: userID, Content: content})
}
