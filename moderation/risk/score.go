package risk

import (
	"time"

	"github.com/lithium-bot/lithium/moderation/store"
)

const (
	HighRiskThreshold = 0.7
	DecayPerHour      = 0.01

	weightAccountAge  = 0.15
	weightServerAge   = 0.10
	weightAvatar      = 0.05
	weightViolations  = 0.25
	weightHistorical  = 0.20
	weightAppealRatio = 0.10
	weightBehavioral  = 0.15
)

// Per-signal values in [0,1], before weighting.
type Components struct {
	AccountAge  float64
	ServerAge   float64
	Avatar      float64
	Violations  float64
	Historical  float64
	AppealRatio float64
	Behavioral  float64
}

func (c Components) Weighted() float64 {
	return c.AccountAge*weightAccountAge +
		c.ServerAge*weightServerAge +
		c.Avatar*weightAvatar +
		c.Violations*weightViolations +
		c.Historical*weightHistorical +
		c.AppealRatio*weightAppealRatio +
		c.Behavioral*weightBehavioral
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Whole days since account creation, or -1 if unknown.
func AccountAgeDays(p *store.UserRiskProfile, now time.Time) int {
	if p.AccountCreatedAt == nil {
		return -1
	}
	return int(now.Sub(*p.AccountCreatedAt).Hours() / 24)
}

// Whole hours since joining the guild, or -1 if unknown.
func MembershipAgeHours(p *store.UserRiskProfile, now time.Time) int {
	if p.JoinedAt == nil {
		return -1
	}
	return int(now.Sub(*p.JoinedAt).Hours())
}

func ScoreComponents(p *store.UserRiskProfile, now time.Time) Components {
	var c Components

	switch days := AccountAgeDays(p, now); {
	case days < 0:
		c.AccountAge = 0.3
	case days < 7:
		c.AccountAge = 0.9
	case days < 30:
		c.AccountAge = 0.5
	case days < 90:
		c.AccountAge = 0.2
	}

	switch hours := MembershipAgeHours(p, now); {
	case hours < 0:
		c.ServerAge = 0.5
	case hours < 1:
		c.ServerAge = 0.9
	case hours < 24:
		c.ServerAge = 0.6
	case hours < 168:
		c.ServerAge = 0.3
	}

	if !p.HasAvatar {
		c.Avatar = 0.5
	}

	c.Violations = min(1.0, float64(p.Violations24h)*0.25)

	hist := float64(p.TotalViolations) +
		0.5*float64(p.TotalWarnings) +
		1.5*float64(p.TotalTimeouts) +
		2*float64(p.TotalKicks) +
		3*float64(p.TotalBans)
	c.Historical = min(1.0, hist*0.1)

	if p.AppealsSubmitted > 0 {
		c.AppealRatio = clamp01(1.0 - float64(p.AppealsAccepted)/float64(p.AppealsSubmitted))
	} else {
		c.AppealRatio = 0.3
	}

	if p.LastViolationAt != nil {
		since := now.Sub(*p.LastViolationAt)
		switch {
		case since < time.Hour:
			c.Behavioral = 0.9
		case since < 24*time.Hour:
			c.Behavioral = 0.5
		default:
			c.Behavioral = 0.1
		}
	}
	return c
}

// CalculateScore is the instantaneous composite score, clamped to [0,1]. Decay is applied separately by the periodic sweep.
func CalculateScore(p *store.UserRiskProfile, now time.Time) float64 {
	return clamp01(ScoreComponents(p, now).Weighted())
}

func IsHighRisk(p *store.UserRiskProfile) bool {
	return p.CurrentRiskScore >= HighRiskThreshold
}
