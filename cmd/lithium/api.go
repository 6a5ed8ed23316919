package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/engine"
	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/policy"
	"github.com/lithium-bot/lithium/moderation/scheduler"
	"github.com/lithium-bot/lithium/moderation/store"
	"github.com/lithium-bot/lithium/moderation/tickets"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const (
	actorHeader = "X-Lithium-Actor"
	rolesHeader = "X-Lithium-Roles"
)

func (s *Server) setupAPI(bind string) {
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	s.echo = e
	s.httpd = &http.Server{
		Handler:        e,
		Addr:           bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("4M"))
	e.Use(otelecho.Middleware("lithium"))
	e.Use(echoprometheus.NewMiddleware("lithium_api"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)

	v1 := e.Group("/v1", s.checkAdminAuth)
	v1.POST("/events", s.HandleIngestEvent)

	g := v1.Group("/guilds/:guild")
	g.GET("/config", s.HandleGetConfig)
	g.POST("/safe_mode", s.HandleSafeMode)
	g.POST("/lockdown", s.HandleLockdown)
	g.GET("/heat", s.HandleHotChannels)

	g.GET("/policies", s.HandleListPolicies)
	g.POST("/policies", s.HandleCreatePolicy)
	g.GET("/policies/:rule", s.HandleGetPolicy)
	g.PUT("/policies/:rule", s.HandleUpdatePolicy)
	g.POST("/policies/:rule/toggle", s.HandleTogglePolicy)
	g.GET("/policies/:rule/history", s.HandlePolicyHistory)

	g.GET("/cases/:case", s.HandleGetCase)
	g.POST("/cases/:case/overturn", s.HandleOverturnCase)
	g.GET("/users/:user/cases", s.HandleUserCases)
	g.GET("/stats", s.HandleStats)
	g.GET("/audit", s.HandleAudit)

	g.GET("/tickets", s.HandleListTickets)
	g.POST("/tickets", s.HandleCreateTicket)
	g.GET("/tickets/:ticket", s.HandleGetTicket)
	g.POST("/tickets/:ticket/:transition", s.HandleTicketTransition)
}

func (s *Server) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminToken == "" {
			return next(c)
		}
		hdr := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, GenericError{
				Error:   "Unauthorized",
				Message: "admin bearer token required",
			})
		}
		return next(c)
	}
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	name := "InternalError"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		name = http.StatusText(code)
	case errors.Is(err, store.ErrNotFound):
		code, name = http.StatusNotFound, "NotFound"
	case errors.Is(err, governance.ErrNotAuthorized):
		code, name = http.StatusForbidden, "NotAuthorized"
	case errors.Is(err, tickets.ErrInvalidTransition), errors.Is(err, cases.ErrInvalidTransition):
		code, name = http.StatusConflict, "InvalidTransition"
	case errors.Is(err, policy.ErrPolicyExists):
		code, name = http.StatusConflict, "PolicyExists"
	case errors.Is(err, policy.ErrInvalidPolicy), errors.Is(err, tickets.ErrInvalidTicket),
		errors.Is(err, governance.ErrReasonRequired), errors.Is(err, governance.ErrInvalidConfig),
		errors.Is(err, engine.ErrInvalidEvent):
		code, name = http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, scheduler.ErrShutdown):
		code, name = http.StatusServiceUnavailable, "ShuttingDown"
	}
	if code >= 500 {
		s.logger.Error("API handler error", "path", c.Path(), "err", err)
	}
	if c.Response().Committed {
		return
	}
	if err := c.JSON(code, GenericError{Error: name, Message: err.Error()}); err != nil {
		s.logger.Error("failed to write error response", "err", err)
	}
}

// actor is the platform user on whose behalf the request is made.
func actor(c echo.Context) (governance.Actor, error) {
	id := c.Request().Header.Get(actorHeader)
	if id == "" {
		return governance.Actor{}, echo.NewHTTPError(http.StatusBadRequest, actorHeader+" header is required")
	}
	return governance.Actor{ID: id, Roles: store.SplitIDs(c.Request().Header.Get(rolesHeader))}, nil
}

func intParam(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	if err := s.db.Exec("SELECT 1").Error; err != nil {
		s.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{"status": "error", "msg": "can't connect to database"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) HandleIngestEvent(c echo.Context) error {
	var evt engine.Event
	if err := c.Bind(&evt); err != nil {
		return err
	}
	if err := s.Enqueue(c.Request().Context(), &evt); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) HandleGetConfig(c echo.Context) error {
	cfg, err := s.engine.Governance.Get(c.Request().Context(), c.Param("guild"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cfg)
}

type toggleRequest struct {
	Enabled         bool   `json:"enabled"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (s *Server) HandleSafeMode(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	guildID := c.Param("guild")
	if req.Enabled {
		err = s.engine.Governance.EnableSafeMode(ctx, guildID, a)
	} else {
		err = s.engine.Governance.DisableSafeMode(ctx, guildID, a)
	}
	if err != nil {
		return err
	}
	return s.HandleGetConfig(c)
}

func (s *Server) HandleLockdown(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	guildID := c.Param("guild")
	if req.Enabled {
		err = s.engine.Governance.EnableLockdown(ctx, guildID, a, req.Reason, time.Duration(req.DurationSeconds)*time.Second)
	} else {
		err = s.engine.Governance.DisableLockdown(ctx, guildID, a)
	}
	if err != nil {
		return err
	}
	return s.HandleGetConfig(c)
}

func (s *Server) HandleHotChannels(c echo.Context) error {
	threshold, err := strconv.ParseFloat(c.QueryParam("threshold"), 64)
	if err != nil {
		threshold = 0.5
	}
	rows, err := s.engine.Heat.HotChannels(c.Request().Context(), c.Param("guild"), threshold)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) HandleListPolicies(c echo.Context) error {
	out, err := s.policies.List(c.Request().Context(), c.Param("guild"), c.QueryParam("active") == "true")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) HandleCreatePolicy(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	p, err := s.policies.Create(c.Request().Context(), c.Param("guild"), raw, a.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) HandleGetPolicy(c echo.Context) error {
	p, err := s.policies.Get(c.Request().Context(), c.Param("guild"), c.Param("rule"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) HandleUpdatePolicy(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	p, err := s.policies.Update(c.Request().Context(), c.Param("guild"), c.Param("rule"), raw, a.ID, c.QueryParam("note"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) HandleTogglePolicy(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	p, err := s.policies.Toggle(c.Request().Context(), c.Param("guild"), c.Param("rule"), req.Enabled, a.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) HandlePolicyHistory(c echo.Context) error {
	out, err := s.policies.History(c.Request().Context(), c.Param("guild"), c.Param("rule"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) HandleGetCase(c echo.Context) error {
	mc, err := s.engine.Cases.GetCase(c.Request().Context(), c.Param("guild"), c.Param("case"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mc)
}

func (s *Server) HandleOverturnCase(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := actor(c)
	if err != nil {
		return err
	}
	guildID := c.Param("guild")
	role, err := s.engine.Governance.Role(ctx, guildID, a)
	if err != nil {
		return err
	}
	if role < governance.RoleReviewer {
		return governance.ErrNotAuthorized
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return err
	}
	mc, err := s.engine.Cases.OverturnCase(ctx, guildID, c.Param("case"), a.ID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mc)
}

func (s *Server) HandleUserCases(c echo.Context) error {
	out, err := s.engine.Cases.ListUserCases(c.Request().Context(), c.Param("guild"), c.Param("user"), intParam(c, "limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) HandleStats(c echo.Context) error {
	ctx := c.Request().Context()
	guildID := c.Param("guild")
	days := intParam(c, "days", 30)
	rules, err := s.engine.Cases.RuleStats(ctx, guildID, days)
	if err != nil {
		return err
	}
	actions, err := s.engine.Cases.ActionStats(ctx, guildID, days)
	if err != nil {
		return err
	}
	fpr, err := s.engine.Cases.FalsePositiveRate(ctx, guildID, days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"days":                days,
		"rules":               rules,
		"actions":             actions,
		"false_positive_rate": fpr,
	})
}

func (s *Server) HandleAudit(c echo.Context) error {
	out, err := s.engine.Cases.ListAudit(c.Request().Context(), c.Param("guild"), cases.AuditFilter{
		EventType: c.QueryParam("event_type"),
		Action:    c.QueryParam("action"),
		CaseID:    c.QueryParam("case_id"),
		TicketID:  c.QueryParam("ticket_id"),
		Limit:     intParam(c, "limit", 100),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) HandleListTickets(c echo.Context) error {
	out, err := s.tickets.ListOpen(c.Request().Context(), c.Param("guild"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

type ticketRequest struct {
	Type          string `json:"type"`
	Subject       string `json:"subject"`
	Description   string `json:"description"`
	RelatedCaseID string `json:"related_case_id,omitempty"`
	Tags          string `json:"tags,omitempty"`
}

func (s *Server) HandleCreateTicket(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req ticketRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	t, err := s.tickets.Create(c.Request().Context(), c.Param("guild"), a, tickets.NewTicket{
		Type:          req.Type,
		Subject:       req.Subject,
		Description:   req.Description,
		RelatedCaseID: req.RelatedCaseID,
		Tags:          req.Tags,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) HandleGetTicket(c echo.Context) error {
	t, err := s.tickets.Get(c.Request().Context(), c.Param("guild"), c.Param("ticket"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

type transitionRequest struct {
	Content    string `json:"content,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Note       string `json:"note,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
}

func (s *Server) HandleTicketTransition(c echo.Context) error {
	ctx := c.Request().Context()
	a, err := actor(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	guildID, ticketID := c.Param("guild"), c.Param("ticket")

	var t *store.TicketV2
	switch c.Param("transition") {
	case "triage":
		t, err = s.tickets.Triage(ctx, guildID, ticketID, a)
	case "review":
		t, err = s.tickets.StartReview(ctx, guildID, ticketID, a)
	case "request_info":
		t, err = s.tickets.RequestInfo(ctx, guildID, ticketID, a, req.Content)
	case "provide_info":
		t, err = s.tickets.ProvideInfo(ctx, guildID, ticketID, a, req.Content)
	case "decide":
		t, err = s.tickets.Decide(ctx, guildID, ticketID, a, req.Resolution, req.Note)
	case "close":
		t, err = s.tickets.Close(ctx, guildID, ticketID, a)
	case "assign":
		t, err = s.tickets.Assign(ctx, guildID, ticketID, a, req.Assignee)
	case "messages":
		m, err := s.tickets.AddMessage(ctx, guildID, ticketID, a, req.Content, req.Internal)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, m)
	default:
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown ticket operation %q", c.Param("transition")))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}
