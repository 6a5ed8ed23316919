package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/lithium-bot/lithium/moderation/setstore"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"
)

var policyMatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_policy_matches",
	Help: "Number of policy matches, by whether they were routed to review",
}, []string{"review"})

var policyInvalid = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_policy_invalid",
	Help: "Number of stored policies skipped because they failed to parse",
})

// Called once per cache load for each stored policy that fails to compile.
type InvalidPolicyFunc func(ctx context.Context, guildID, ruleID string, err error)

// Engine evaluates a guild's active policies. Compiled policies are cached per guild until Invalidate.
type Engine struct {
	DB        *gorm.DB
	Sets      setstore.SetStore
	Logger    *slog.Logger
	OnInvalid InvalidPolicyFunc

	cache *xsync.MapOf[string, []*Compiled]
	// bumped on every invalidation, so a load racing with one is not cached
	epoch atomic.Uint64
}

func NewEngine(db *gorm.DB, sets setstore.SetStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		DB:     db,
		Sets:   sets,
		Logger: logger.With("component", "policy"),
		cache:  xsync.NewMapOf[string, []*Compiled](),
	}
}

func (e *Engine) Invalidate(guildID string) {
	e.cache.Compute(guildID, func(_ []*Compiled, _ bool) ([]*Compiled, bool) {
		e.epoch.Add(1)
		return nil, true
	})
}

func (e *Engine) InvalidateAll() {
	e.epoch.Add(1)
	e.cache.Clear()
}

// Active returns the guild's compiled active policies, highest priority first.
func (e *Engine) Active(ctx context.Context, guildID string) ([]*Compiled, error) {
	if list, ok := e.cache.Load(guildID); ok {
		return list, nil
	}
	epoch := e.epoch.Load()

	var rows []store.Policy
	err := e.DB.WithContext(ctx).
		Where("guild_id = ? AND is_active = ?", guildID, true).
		Order("priority DESC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}

	list := make([]*Compiled, 0, len(rows))
	for i := range rows {
		c, err := Compile(&rows[i])
		if err != nil {
			policyInvalid.Inc()
			e.Logger.Warn("skipping invalid stored policy", "guild", guildID, "rule", rows[i].RuleID, "err", err)
			if e.OnInvalid != nil {
				e.OnInvalid(ctx, guildID, rows[i].RuleID, err)
			}
			continue
		}
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })

	e.cache.Compute(guildID, func(old []*Compiled, loaded bool) ([]*Compiled, bool) {
		if loaded {
			return old, false
		}
		return list, e.epoch.Load() != epoch
	})
	return list, nil
}

// Evaluate runs every active policy against the event and returns the matches, best score first. Ties keep priority order.
func (e *Engine) Evaluate(ctx context.Context, ec *EvalContext) ([]Match, error) {
	policies, err := e.Active(ctx, ec.GuildID)
	if err != nil {
		return nil, err
	}
	ev := evaluator{sets: e.Sets, logger: e.Logger}
	var matches []Match
	for _, c := range policies {
		if m := ev.evaluate(ctx, c, ec); m != nil {
			matches = append(matches, *m)
			policyMatches.WithLabelValues(fmt.Sprint(m.NeedsReview())).Inc()
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// EvaluateCompiled evaluates a single policy outside of the cache. Used for dry runs.
func (e *Engine) EvaluateCompiled(ctx context.Context, c *Compiled, ec *EvalContext) *Match {
	ev := evaluator{sets: e.Sets, logger: e.Logger}
	return ev.evaluate(ctx, c, ec)
}
