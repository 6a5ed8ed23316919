package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lithium-bot/lithium/moderation/dispatch"
	"github.com/lithium-bot/lithium/moderation/policy"
	"github.com/lithium-bot/lithium/moderation/store"
	"github.com/lithium-bot/lithium/util"
)

const (
	NoticeCase  = "case"
	NoticeAlert = "alert"
)

// Notice is a human-readable summary of something the pipeline did.
type Notice struct {
	Kind    string
	GuildID string
	CaseID  string
	Text    string
}

// Notifier delivers notices out of band. Failures are logged and never fail the event.
type Notifier interface {
	Notify(ctx context.Context, cfg *store.GovernanceConfig, n Notice) error
}

func (e *Engine) notify(ctx context.Context, cfg *store.GovernanceConfig, n Notice) {
	for _, nt := range e.Notifiers {
		if err := nt.Notify(ctx, cfg, n); err != nil {
			e.Logger.Error("failed to deliver notice", "guild", n.GuildID, "kind", n.Kind, "err", err)
		}
	}
}

func caseNotice(c *store.ModCase, m *policy.Match) Notice {
	msg := fmt.Sprintf("**Case %s** `%s` <@%s>\nRule: `%s`\nReason: %s\n", c.CaseID, c.ActionType, c.UserID, c.RuleID, c.Reason)
	if m != nil {
		msg += fmt.Sprintf("Score: %.2f (policy v%d)\n", m.Score, m.Version)
	}
	if c.ChannelID != "" {
		msg += fmt.Sprintf("Channel: <#%s>\n", c.ChannelID)
	}
	return Notice{Kind: NoticeCase, GuildID: c.GuildID, CaseID: c.CaseID, Text: msg}
}

func alertNotice(guildID, format string, args ...any) Notice {
	return Notice{Kind: NoticeAlert, GuildID: guildID, Text: fmt.Sprintf(format, args...)}
}

// ModLogNotifier posts notices to the guild's configured mod-log channel.
type ModLogNotifier struct {
	Dispatch *dispatch.Dispatcher
}

func (n *ModLogNotifier) Notify(ctx context.Context, cfg *store.GovernanceConfig, notice Notice) error {
	if cfg == nil || cfg.ModLogChannelID == "" {
		return nil
	}
	text := notice.Text
	if notice.Kind == NoticeAlert {
		text = "⚠️ " + text
	}
	return n.Dispatch.Notify(ctx, notice.GuildID, cfg.ModLogChannelID, text)
}

// SlackNotifier mirrors alerts (and optionally cases) to a slack "incoming webhook".
type SlackNotifier struct {
	SlackWebhookURL string
	IncludeCases    bool
	Client          *http.Client
}

func NewSlackNotifier(url string, includeCases bool) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: url,
		IncludeCases:    includeCases,
		Client:          util.RobustHTTPClient(util.WithMaxRetries(2)),
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) Notify(ctx context.Context, cfg *store.GovernanceConfig, notice Notice) error {
	if notice.Kind == NoticeCase && !n.IncludeCases {
		return nil
	}
	header := "⚠️ Lithium Alert ⚠️\n"
	if notice.Kind == NoticeCase {
		header = "Lithium Case\n"
	}
	msg := header + fmt.Sprintf("Guild: `%s`\n", notice.GuildID) + notice.Text
	return n.sendSlackMsg(ctx, msg)
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || strings.TrimSpace(buf.String()) != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
