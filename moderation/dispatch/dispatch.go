// Package dispatch executes enforcement actions exactly once per (guild, action, target, minute).
//
// Every call is written to the DiscordAction ledger before it is attempted. A second request for the same action id inside the same minute is reported as a duplicate and never reaches the platform.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithium-bot/lithium/moderation/countstore"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spaolacci/murmur3"
)

const (
	ActionDelete      = "delete"
	ActionNudge       = "nudge"
	ActionWarn        = "warn"
	ActionTimeout     = "timeout"
	ActionAddRole     = "add_role"
	ActionRemoveRole  = "remove_role"
	ActionSlowmode    = "slowmode"
	ActionSendMessage = "send_message"
)

const (
	DefaultCallTimeout = 5 * time.Second
	// max bot-issued timeouts per guild per hour
	DefaultTimeoutQuotaHour = 50

	quotaCounter = "lithium-quota"
)

var ErrUnknownAction = errors.New("unknown action type")

var dispatchedActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_dispatch_actions_total",
	Help: "Enforcement actions handled by the dispatcher, by type and outcome",
}, []string{"type", "status"})

var dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "lithium_dispatch_call_duration_seconds",
	Help:    "Duration of executor calls",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"type"})

// ActionLog is the ledger the dispatcher writes to. cases.Service implements it.
type ActionLog interface {
	BeginAction(ctx context.Context, a *store.DiscordAction) (bool, error)
	FinishAction(ctx context.Context, actionID, status, errMsg string) error
}

type Request struct {
	Type      string
	GuildID   string
	ChannelID string
	MessageID string
	// user the action is against
	UserID string
	RoleID string
	// timeout length
	Duration time.Duration
	// slowmode seconds
	Seconds int
	// DM, nudge or channel message body
	Content string
	Reason  string
}

// target is the platform object the action id is keyed on
func (r *Request) target() string {
	switch r.Type {
	case ActionDelete:
		return r.MessageID
	case ActionSlowmode, ActionSendMessage:
		return r.ChannelID
	case ActionAddRole, ActionRemoveRole:
		return r.UserID + "/" + r.RoleID
	}
	return r.UserID
}

// idTarget is what the action id is keyed on. Slowmode includes the delay: a band change in the same minute is a distinct action.
func (r *Request) idTarget() string {
	if r.Type == ActionSlowmode {
		return fmt.Sprintf("%s/%d", r.ChannelID, r.Seconds)
	}
	return r.target()
}

type Result struct {
	ActionID string
	Type     string
	Status   string
	Error    string
	// an identical action was already dispatched in this minute
	Duplicate bool
	// skipped because a per-guild quota was exhausted
	QuotaExceeded bool
}

func (r Result) OK() bool {
	return r.Status == store.ActionStatusSuccess
}

// ActionID derives the idempotency key of an action from its guild, type, target and 60-second bucket.
func ActionID(guildID, actionType, target string, at time.Time) string {
	bucket := at.Unix() / 60
	h1, h2 := murmur3.Sum128([]byte(fmt.Sprintf("%s:%s:%s:%d", guildID, actionType, target, bucket)))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

type Dispatcher struct {
	Exec     Executor
	Actions  ActionLog
	Counters countstore.CountStore
	Logger   *slog.Logger
	Now      func() time.Time

	CallTimeout      time.Duration
	TimeoutQuotaHour int
}

func NewDispatcher(exec Executor, actions ActionLog, counters countstore.CountStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Exec:             exec,
		Actions:          actions,
		Counters:         counters,
		Logger:           logger.With("component", "dispatch"),
		Now:              func() time.Time { return time.Now().UTC() },
		CallTimeout:      DefaultCallTimeout,
		TimeoutQuotaHour: DefaultTimeoutQuotaHour,
	}
}

// Dispatch logs and executes a single action. Executor failures are recorded on the ledger and returned in the Result, never as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	now := d.Now()
	res := Result{
		ActionID: ActionID(req.GuildID, req.Type, req.idTarget(), now),
		Type:     req.Type,
	}
	logger := d.Logger.With("guild", req.GuildID, "action", req.Type, "action_id", res.ActionID)

	fresh, err := d.Actions.BeginAction(ctx, &store.DiscordAction{
		ActionID:    res.ActionID,
		GuildID:     req.GuildID,
		ActionType:  req.Type,
		TargetID:    req.target(),
		ChannelID:   req.ChannelID,
		AttemptedAt: now,
	})
	if err != nil {
		// without a ledger row there is no way to guarantee at-most-once, so do not call the platform
		logger.Error("failed to log action before dispatch", "err", err)
		res.Status = store.ActionStatusFailed
		res.Error = err.Error()
		dispatchedActions.WithLabelValues(req.Type, res.Status).Inc()
		return res
	}
	if !fresh {
		logger.Debug("skipping duplicate action")
		res.Status = store.ActionStatusSkipped
		res.Duplicate = true
		dispatchedActions.WithLabelValues(req.Type, "duplicate").Inc()
		return res
	}

	if req.Type == ActionTimeout && !d.allowTimeout(ctx, req.GuildID) {
		logger.Warn("CIRCUIT BREAKER: bot timeouts", "quota", d.TimeoutQuotaHour)
		res.Status = store.ActionStatusSkipped
		res.Error = "timeout quota exceeded"
		res.QuotaExceeded = true
		d.finish(ctx, logger, res)
		return res
	}

	start := time.Now()
	err = d.execute(ctx, &req)
	dispatchDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("action failed", "err", err)
		res.Status = store.ActionStatusFailed
		res.Error = err.Error()
	} else {
		res.Status = store.ActionStatusSuccess
	}
	d.finish(ctx, logger, res)
	return res
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, res Result) {
	dispatchedActions.WithLabelValues(res.Type, res.Status).Inc()
	if err := d.Actions.FinishAction(ctx, res.ActionID, res.Status, res.Error); err != nil {
		logger.Error("failed to record action outcome", "status", res.Status, "err", err)
	}
}

func (d *Dispatcher) allowTimeout(ctx context.Context, guildID string) bool {
	if d.Counters == nil || d.TimeoutQuotaHour <= 0 {
		return true
	}
	c, err := d.Counters.GetCount(ctx, quotaCounter, "timeout/"+guildID, countstore.PeriodHour)
	if err != nil {
		d.Logger.Warn("failed to read timeout quota, allowing", "guild", guildID, "err", err)
		return true
	}
	if c >= d.TimeoutQuotaHour {
		return false
	}
	if err := d.Counters.Increment(ctx, quotaCounter, "timeout/"+guildID); err != nil {
		d.Logger.Warn("failed to bump timeout quota", "guild", guildID, "err", err)
	}
	return true
}

func (d *Dispatcher) callTimeout() time.Duration {
	if d.CallTimeout > 0 {
		return d.CallTimeout
	}
	return DefaultCallTimeout
}

func (d *Dispatcher) execute(ctx context.Context, req *Request) error {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout())
	defer cancel()

	switch req.Type {
	case ActionDelete:
		return d.Exec.DeleteMessage(ctx, req.GuildID, req.ChannelID, req.MessageID, req.Reason)
	case ActionNudge:
		return d.Exec.SendMessage(ctx, req.GuildID, req.ChannelID, fmt.Sprintf("<@%s> %s", req.UserID, req.Content))
	case ActionWarn:
		return d.Exec.SendDM(ctx, req.UserID, req.Content)
	case ActionTimeout:
		return d.Exec.TimeoutUser(ctx, req.GuildID, req.UserID, req.Duration, req.Reason)
	case ActionAddRole:
		return d.Exec.AddRole(ctx, req.GuildID, req.UserID, req.RoleID, req.Reason)
	case ActionRemoveRole:
		return d.Exec.RemoveRole(ctx, req.GuildID, req.UserID, req.RoleID, req.Reason)
	case ActionSlowmode:
		return d.Exec.SetSlowmode(ctx, req.GuildID, req.ChannelID, req.Seconds, req.Reason)
	case ActionSendMessage:
		return d.Exec.SendMessage(ctx, req.GuildID, req.ChannelID, req.Content)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, req.Type)
}

// Notify posts an informational message (mod-log entries, alerts). It bypasses the action ledger.
func (d *Dispatcher) Notify(ctx context.Context, guildID, channelID, content string) error {
	if channelID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout())
	defer cancel()
	return d.Exec.SendMessage(ctx, guildID, channelID, content)
}
