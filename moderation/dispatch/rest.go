package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/lithium-bot/lithium/util"

	"golang.org/x/time/rate"
)

const DefaultAPIBase = "https://discord.com/api/v10"

// APIError is a non-2xx response from the platform REST API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// RESTExecutor talks to the platform REST API with a bot token. Requests are paced by a local limiter, and only 429 responses are retried.
type RESTExecutor struct {
	BaseURL   string
	Token     string
	UserAgent string
	Client    *http.Client
	Limiter   *rate.Limiter
	Logger    *slog.Logger
}

type RESTConfig struct {
	BaseURL   string
	Token     string
	UserAgent string
	// outbound requests per second
	RateLimit float64
	Burst     int
	// extra options for the underlying retrying client
	HTTPOptions []util.HTTPOption
}

func NewRESTExecutor(config RESTConfig, logger *slog.Logger) *RESTExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultAPIBase
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 40
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	logger = logger.With("component", "rest-executor")
	opts := append([]util.HTTPOption{
		util.WithRetryPolicy(util.RetryOnlyTooManyRequests),
		util.WithHTTPLogger(logger),
	}, config.HTTPOptions...)
	return &RESTExecutor{
		BaseURL:   config.BaseURL,
		Token:     config.Token,
		UserAgent: config.UserAgent,
		Client:    util.RobustHTTPClient(opts...),
		Limiter:   rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		Logger:    logger,
	}
}

func (r *RESTExecutor) do(ctx context.Context, method, path, reason string, body, out any) error {
	if err := r.Limiter.Wait(ctx); err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+r.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Method: method, Path: path, Body: string(msg)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (r *RESTExecutor) DeleteMessage(ctx context.Context, guildID, channelID, messageID, reason string) error {
	err := r.do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), reason, nil, nil)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		// already gone
		return nil
	}
	return err
}

func (r *RESTExecutor) TimeoutUser(ctx context.Context, guildID, userID string, d time.Duration, reason string) error {
	until := time.Now().UTC().Add(d).Format(time.RFC3339)
	body := map[string]any{"communication_disabled_until": until}
	return r.do(ctx, http.MethodPatch, fmt.Sprintf("/guilds/%s/members/%s", guildID, userID), reason, body, nil)
}

func (r *RESTExecutor) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return r.do(ctx, http.MethodPut, fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID), reason, nil, nil)
}

func (r *RESTExecutor) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return r.do(ctx, http.MethodDelete, fmt.Sprintf("/guilds/%s/members/%s/roles/%s", guildID, userID, roleID), reason, nil, nil)
}

func (r *RESTExecutor) SetSlowmode(ctx context.Context, guildID, channelID string, seconds int, reason string) error {
	body := map[string]any{"rate_limit_per_user": seconds}
	return r.do(ctx, http.MethodPatch, fmt.Sprintf("/channels/%s", channelID), reason, body, nil)
}

func (r *RESTExecutor) SendMessage(ctx context.Context, guildID, channelID, content string) error {
	body := map[string]any{
		"content": content,
		// never ping from bot messages
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	return r.do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", channelID), "", body, nil)
}

func (r *RESTExecutor) SendDM(ctx context.Context, userID, content string) error {
	var dm struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/users/@me/channels", "", map[string]any{"recipient_id": userID}, &dm); err != nil {
		return fmt.Errorf("opening dm channel: %w", err)
	}
	return r.SendMessage(ctx, "", dm.ID, content)
}
