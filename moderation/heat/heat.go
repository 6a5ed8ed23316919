// Package heat tracks a per-channel "heat" score from recent activity signals and derives adaptive slowmode from it.
package heat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"
)

const (
	// rates lose half their value every HalfLife without new activity
	HalfLife = 10 * time.Minute

	weightMessage   = 0.2
	weightToxicity  = 0.4
	weightReport    = 0.2
	weightModAction = 0.2

	// below this a channel is considered cold by the decay sweep
	coldHeat = 0.001
)

// Absolute rates in [0,1]. Nil fields keep their current value.
type Signals struct {
	MessageRate   *float64
	ToxicityRate  *float64
	ReportRate    *float64
	ModActionRate *float64
}

// Increments added to the decayed rates.
type Deltas struct {
	Message   float64
	Toxicity  float64
	Report    float64
	ModAction float64
}

func Score(h *store.ChannelHeat) float64 {
	return clamp01(weightMessage*h.MessageRate +
		weightToxicity*h.ToxicityRate +
		weightReport*h.ReportRate +
		weightModAction*h.ModActionRate)
}

// SlowmodeFor maps a heat score at or above the threshold to a slowmode delay in seconds.
func SlowmodeFor(heat float64) int {
	switch {
	case heat >= 0.9:
		return 30
	case heat >= 0.8:
		return 20
	case heat >= 0.7:
		return 10
	}
	return 5
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type channelState struct {
	lk     sync.Mutex
	row    store.ChannelHeat
	loaded bool
}

// Tracker keeps channel state in memory and writes every change through to the database.
type Tracker struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time

	channels *xsync.MapOf[string, *channelState]
}

func NewTracker(db *gorm.DB, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		DB:       db,
		Logger:   logger.With("component", "heat"),
		Now:      func() time.Time { return time.Now().UTC() },
		channels: xsync.NewMapOf[string, *channelState](),
	}
}

func channelKey(guildID, channelID string) string {
	return guildID + "/" + channelID
}

// acquire returns the locked state for a channel, loading or creating its row on first use. Callers must unlock.
func (t *Tracker) acquire(ctx context.Context, guildID, channelID string) (*channelState, error) {
	st, _ := t.channels.LoadOrCompute(channelKey(guildID, channelID), func() *channelState {
		return &channelState{}
	})
	st.lk.Lock()
	if st.loaded {
		return st, nil
	}
	row := store.ChannelHeat{GuildID: guildID, ChannelID: channelID, LastCalculatedAt: t.Now()}
	db := t.DB.WithContext(ctx)
	err := db.Where("guild_id = ? AND channel_id = ?", guildID, channelID).FirstOrCreate(&row).Error
	if store.IsDuplicate(err) {
		err = db.Where("guild_id = ? AND channel_id = ?", guildID, channelID).First(&row).Error
	}
	if err != nil {
		st.lk.Unlock()
		return nil, fmt.Errorf("loading channel heat: %w", err)
	}
	st.row = row
	st.loaded = true
	return st, nil
}

func (t *Tracker) save(ctx context.Context, st *channelState) error {
	r := &st.row
	return t.DB.WithContext(ctx).Model(&store.ChannelHeat{}).Where("id = ?", r.ID).UpdateColumns(map[string]any{
		"message_rate":         r.MessageRate,
		"toxicity_rate":        r.ToxicityRate,
		"report_rate":          r.ReportRate,
		"mod_action_rate":      r.ModActionRate,
		"heat_score":           r.HeatScore,
		"current_slowmode":     r.CurrentSlowmode,
		"auto_slowmode_active": r.AutoSlowmodeActive,
		"last_calculated_at":   r.LastCalculatedAt,
	}).Error
}

func (t *Tracker) decayLocked(st *channelState, now time.Time) {
	r := &st.row
	elapsed := now.Sub(r.LastCalculatedAt)
	if elapsed <= 0 {
		return
	}
	f := math.Pow(0.5, float64(elapsed)/float64(HalfLife))
	r.MessageRate *= f
	r.ToxicityRate *= f
	r.ReportRate *= f
	r.ModActionRate *= f
	r.LastCalculatedAt = now
	r.HeatScore = Score(r)
}

// Update sets the supplied rates and recomputes the heat score.
func (t *Tracker) Update(ctx context.Context, guildID, channelID string, sig Signals) (float64, error) {
	st, err := t.acquire(ctx, guildID, channelID)
	if err != nil {
		return 0, err
	}
	defer st.lk.Unlock()

	r := &st.row
	if sig.MessageRate != nil {
		r.MessageRate = clamp01(*sig.MessageRate)
	}
	if sig.ToxicityRate != nil {
		r.ToxicityRate = clamp01(*sig.ToxicityRate)
	}
	if sig.ReportRate != nil {
		r.ReportRate = clamp01(*sig.ReportRate)
	}
	if sig.ModActionRate != nil {
		r.ModActionRate = clamp01(*sig.ModActionRate)
	}
	r.HeatScore = Score(r)
	r.LastCalculatedAt = t.Now()
	return r.HeatScore, t.save(ctx, st)
}

// Observe decays the channel's rates for the time since the last calculation, then adds the deltas.
func (t *Tracker) Observe(ctx context.Context, guildID, channelID string, d Deltas) (float64, error) {
	st, err := t.acquire(ctx, guildID, channelID)
	if err != nil {
		return 0, err
	}
	defer st.lk.Unlock()

	t.decayLocked(st, t.Now())
	r := &st.row
	r.MessageRate = clamp01(r.MessageRate + d.Message)
	r.ToxicityRate = clamp01(r.ToxicityRate + d.Toxicity)
	r.ReportRate = clamp01(r.ReportRate + d.Report)
	r.ModActionRate = clamp01(r.ModActionRate + d.ModAction)
	r.HeatScore = Score(r)
	return r.HeatScore, t.save(ctx, st)
}

func (t *Tracker) Get(ctx context.Context, guildID, channelID string) (store.ChannelHeat, error) {
	st, err := t.acquire(ctx, guildID, channelID)
	if err != nil {
		return store.ChannelHeat{}, err
	}
	defer st.lk.Unlock()
	return st.row, nil
}

// ShouldAutoSlowmode returns the slowmode the channel should have and whether that differs from what is currently set.
func (t *Tracker) ShouldAutoSlowmode(ctx context.Context, cfg *store.GovernanceConfig, guildID, channelID string) (int, bool, error) {
	st, err := t.acquire(ctx, guildID, channelID)
	if err != nil {
		return 0, false, err
	}
	defer st.lk.Unlock()

	r := &st.row
	if cfg == nil || !cfg.AutoSlowmodeEnabled {
		return r.CurrentSlowmode, false, nil
	}
	var target int
	switch {
	case r.HeatScore >= cfg.SlowmodeHeatThreshold:
		target = SlowmodeFor(r.HeatScore)
	case r.AutoSlowmodeActive:
		target = 0
	default:
		return r.CurrentSlowmode, false, nil
	}
	return target, target != r.CurrentSlowmode, nil
}

// RecordSlowmode stores a slowmode the bot has applied to the channel.
func (t *Tracker) RecordSlowmode(ctx context.Context, guildID, channelID string, seconds int) error {
	st, err := t.acquire(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	defer st.lk.Unlock()

	st.row.CurrentSlowmode = seconds
	st.row.AutoSlowmodeActive = seconds > 0
	return t.save(ctx, st)
}

// HotChannels lists the guild's channels at or above the threshold, hottest first.
func (t *Tracker) HotChannels(ctx context.Context, guildID string, threshold float64) ([]store.ChannelHeat, error) {
	var out []store.ChannelHeat
	err := t.DB.WithContext(ctx).
		Where("guild_id = ? AND heat_score >= ?", guildID, threshold).
		Order("heat_score DESC").
		Find(&out).Error
	return out, err
}

// Decay persists time decay for every warm channel so idle channels cool down. Returns the number of channels updated.
func (t *Tracker) Decay(ctx context.Context) (int, error) {
	var rows []store.ChannelHeat
	if err := t.DB.WithContext(ctx).Where("heat_score > ?", coldHeat).Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("listing warm channels: %w", err)
	}
	now := t.Now()
	n := 0
	for _, row := range rows {
		st, err := t.acquire(ctx, row.GuildID, row.ChannelID)
		if err != nil {
			return n, err
		}
		t.decayLocked(st, now)
		if st.row.HeatScore <= coldHeat {
			st.row.MessageRate, st.row.ToxicityRate, st.row.ReportRate, st.row.ModActionRate = 0, 0, 0, 0
			st.row.HeatScore = 0
		}
		err = t.save(ctx, st)
		st.lk.Unlock()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Invalidate drops the cached state of a guild's channels; the next access reloads from the database.
func (t *Tracker) Invalidate(guildID string) {
	prefix := guildID + "/"
	t.channels.Range(func(k string, _ *channelState) bool {
		if strings.HasPrefix(k, prefix) {
			t.channels.Delete(k)
		}
		return true
	})
}
