package store

import (
	"strings"
	"time"
)

const (
	ModeBotAutocracy = "bot_autocracy"
	ModeHybrid       = "hybrid"
	ModeManual       = "manual"
)

// One row per guild. Created lazily, never deleted.
type GovernanceConfig struct {
	GuildID        string `gorm:"primarykey"`
	GovernanceMode string
	OwnerID        string

	SafeMode   bool
	SafeModeBy string
	SafeModeAt *time.Time

	Lockdown          bool `gorm:"index"`
	LockdownReason    string
	LockdownBy        string
	LockdownAt        *time.Time
	LockdownExpiresAt *time.Time

	RaidJoinThreshold     int
	RaidWindowSeconds     int
	NewcomerDurationHours int
	NewcomerMinMessages   int
	EvidenceRetentionDays int
	AuditRetentionDays    int
	AutoSlowmodeEnabled   bool
	SlowmodeHeatThreshold float64

	// comma separated role ids
	OpsAdminRoles string
	TriageRoles   string
	ReviewerRoles string

	NewcomerRoleID   string
	VerifiedRoleID   string
	QuarantineRoleID string

	ModLogChannelID string
	TicketChannelID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Returns a config populated with the defaults used for lazily created guilds.
func DefaultGovernanceConfig(guildID string) GovernanceConfig {
	return GovernanceConfig{
		GuildID:               guildID,
		GovernanceMode:        ModeHybrid,
		RaidJoinThreshold:     15,
		RaidWindowSeconds:     60,
		NewcomerDurationHours: 24,
		NewcomerMinMessages:   10,
		EvidenceRetentionDays: 90,
		AuditRetentionDays:    365,
		AutoSlowmodeEnabled:   true,
		SlowmodeHeatThreshold: 0.7,
	}
}

func (c *GovernanceConfig) OpsAdminRoleIDs() []string { return SplitIDs(c.OpsAdminRoles) }
func (c *GovernanceConfig) TriageRoleIDs() []string   { return SplitIDs(c.TriageRoles) }
func (c *GovernanceConfig) ReviewerRoleIDs() []string { return SplitIDs(c.ReviewerRoles) }

// SplitIDs parses a comma separated id list, dropping empty entries.
func SplitIDs(s string) []string {
	if s == "" {
		return nil
	}
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func JoinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

type Policy struct {
	ID          uint   `gorm:"primarykey"`
	GuildID     string `gorm:"index:idx_policy_guild_rule,unique"`
	RuleID      string `gorm:"index:idx_policy_guild_rule,unique"`
	Name        string
	Description string
	// normalized JSON policy body
	Body      string
	Priority  int
	Version   int
	IsActive  bool `gorm:"index"`
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Immutable snapshot, appended on every policy write.
type PolicyVersion struct {
	ID         uint `gorm:"primarykey"`
	PolicyID   uint `gorm:"index:idx_policyversion_policy_version,unique"`
	Version    int  `gorm:"index:idx_policyversion_policy_version,unique"`
	Body       string
	ChangedBy  string
	ChangeNote string
	CreatedAt  time.Time
}

type UserRiskProfile struct {
	ID      uint   `gorm:"primarykey"`
	GuildID string `gorm:"index:idx_profile_guild_user,unique"`
	UserID  string `gorm:"index:idx_profile_guild_user,unique"`

	AccountCreatedAt *time.Time
	JoinedAt         *time.Time
	HasAvatar        bool

	Messages24h        int `gorm:"column:messages_24h"`
	Violations24h      int `gorm:"column:violations_24h"`
	Warnings24h        int `gorm:"column:warnings_24h"`
	MessageWindowStart *time.Time

	TotalMessages   int
	TotalViolations int
	TotalWarnings   int
	TotalTimeouts   int
	TotalKicks      int
	TotalBans       int

	AppealsSubmitted int
	AppealsAccepted  int

	LastMessageAt    *time.Time
	LastViolationAt  *time.Time
	BaseRiskScore    float64
	CurrentRiskScore float64 `gorm:"index"`
	LastCalculatedAt *time.Time

	IsNewcomer       bool
	IsVerified       bool
	VerifiedAt       *time.Time
	IsQuarantined    bool
	QuarantineReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	CaseStatusExecuted   = "executed"
	CaseStatusAppealed   = "appealed"
	CaseStatusOverturned = "overturned"
)

type ModCase struct {
	ID              uint   `gorm:"primarykey"`
	CaseID          string `gorm:"uniqueindex"`
	GuildID         string `gorm:"index"`
	UserID          string `gorm:"index"`
	ModeratorID     string
	ChannelID       string
	MessageID       string
	RuleID          string `gorm:"index"`
	ActionType      string
	Reason          string
	RiskScore       float64
	Confidence      float64
	Status          string `gorm:"index"`
	DurationSeconds int
	ExpiresAt       *time.Time
	AppealTicketID  string

	OverturnedBy     string
	OverturnedReason string
	OverturnedAt     *time.Time

	Evidence []Evidence

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

type Evidence struct {
	ID             uint `gorm:"primarykey"`
	ModCaseID      uint `gorm:"index"`
	Kind           string
	ContentSnippet string
	ContentHash    string
	AttachmentURL  string
	MessageID      string
	ChannelID      string
	ExpiresAt      *time.Time `gorm:"index"`
	CreatedAt      time.Time
}

type ChannelHeat struct {
	ID                 uint   `gorm:"primarykey"`
	GuildID            string `gorm:"index:idx_heat_guild_channel,unique"`
	ChannelID          string `gorm:"index:idx_heat_guild_channel,unique"`
	MessageRate        float64
	ToxicityRate       float64
	ReportRate         float64
	ModActionRate      float64
	HeatScore          float64 `gorm:"index"`
	CurrentSlowmode    int
	AutoSlowmodeActive bool
	LastCalculatedAt   time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const (
	ActionStatusPending = "pending"
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
	ActionStatusSkipped = "skipped"
)

// Idempotent log of every externally dispatched enforcement call.
type DiscordAction struct {
	ID          uint   `gorm:"primarykey"`
	ActionID    string `gorm:"uniqueindex"`
	GuildID     string `gorm:"index"`
	ActionType  string
	TargetID    string
	ChannelID   string
	CaseID      string `gorm:"index"`
	Status      string
	Error       string
	AttemptedAt time.Time
	CompletedAt *time.Time
}

const (
	ActorUser   = "user"
	ActorBot    = "bot"
	ActorSystem = "system"
)

type AuditEvent struct {
	ID         uint   `gorm:"primarykey"`
	EventID    string `gorm:"uniqueindex"`
	GuildID    string `gorm:"index"`
	EventType  string `gorm:"index"`
	ActorID    string
	ActorType  string
	TargetType string
	TargetID   string
	Action     string
	// JSON object
	Details   string
	CaseID    string `gorm:"index"`
	TicketID  string `gorm:"index"`
	CreatedAt time.Time `gorm:"index"`
}

type TicketV2 struct {
	ID             uint   `gorm:"primarykey"`
	TicketID       string `gorm:"uniqueindex"`
	GuildID        string `gorm:"index"`
	Type           string
	Status         string `gorm:"index"`
	PrevStatus     string
	Priority       int
	CreatorID      string `gorm:"index"`
	Subject        string
	Description    string
	RelatedCaseID  string
	AssignedTo     string
	Tags           string
	Resolution     string
	ResolutionNote string
	TriagedAt      *time.Time
	DecidedAt      *time.Time
	ClosedAt       *time.Time
	ClosedBy       string
	Messages       []TicketMessageV2
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TicketMessageV2 struct {
	ID         uint   `gorm:"primarykey"`
	MessageID  string `gorm:"uniqueindex"`
	TicketV2ID uint   `gorm:"index"`
	AuthorID   string
	AuthorRole string
	Content    string
	IsInternal bool
	CreatedAt  time.Time
}
