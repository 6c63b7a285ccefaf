package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/normanking/agentcore/internal/autollm"
	"github.com/normanking/agentcore/internal/bus"
	"github.com/normanking/agentcore/internal/data"
	"github.com/normanking/agentcore/internal/orchestrator"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/internal/session"
	"github.com/normanking/agentcore/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// API TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id,omitempty"`
	Text      string            `json:"text"`
	Channel   string            `json:"channel,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionView is returned by GET /v1/sessions/:session_id.
type SessionView struct {
	*session.Session
	LeasedBy string `json:"leased_by,omitempty"`
}

// SessionSummary is one row of GET /v1/sessions.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	TurnCount    int       `json:"turn_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	InMemory     bool      `json:"in_memory"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Pipeline orchestrator.Stats    `json:"pipeline"`
	Plugins  *plugin.ExecutorStats `json:"plugins,omitempty"`
	Router   *autollm.Stats        `json:"router,omitempty"`
	InFlight int                   `json:"in_flight"`
	Sessions int                   `json:"sessions"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Store     string                 `json:"store,omitempty"`
	Providers []autollm.HealthStatus `json:"providers,omitempty"`
	Plugins   int                    `json:"plugins"`
	Sessions  int                    `json:"sessions"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUESTS
// ═══════════════════════════════════════════════════════════════════════════════

// SubmitRequest runs a request through the pipeline and waits for the reply.
// Dispatch failures still answer 200 with error_kind set; only requests that
// never reached a handler get an error status.
func (s *Server) SubmitRequest(c echo.Context) error {
	var body SubmitRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body", ErrorKind: string(types.KindValidation)})
	}

	req := types.Request{
		ID:          body.RequestID,
		SessionID:   body.SessionID,
		Text:        body.Text,
		Channel:     types.InputChannel(body.Channel),
		RawMetadata: body.Metadata,
	}
	resp, err := s.deps.Pipeline.Process(c.Request().Context(), req)
	if err != nil {
		status := statusFor(types.KindOf(err))
		if status == http.StatusTooManyRequests {
			c.Response().Header().Set("Retry-After", "1")
		}
		return c.JSON(status, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// statusFor maps the kinds Process returns as errors.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindSessionBusy:
		return http.StatusTooManyRequests
	case types.KindCancelled:
		return http.StatusConflict
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// CancelRequest stops an in-flight request.
func (s *Server) CancelRequest(c echo.Context) error {
	sessionID, requestID := c.Param("session_id"), c.Param("request_id")
	if !s.deps.Pipeline.Cancel(sessionID, requestID) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "request not in flight"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"request_id": requestID,
		"status":     "cancelling",
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// GetSession returns the session's turns and scratch. Unknown sessions are
// created empty.
func (s *Server) GetSession(c echo.Context) error {
	id := c.Param("session_id")
	view := SessionView{Session: s.deps.Sessions.GetContext(c.Request().Context(), id)}
	view.LeasedBy, _ = s.deps.Sessions.Holder(id)
	return c.JSON(http.StatusOK, view)
}

// DeleteSession forgets a session.
func (s *Server) DeleteSession(c echo.Context) error {
	id := c.Param("session_id")
	if err := s.deps.Sessions.Delete(c.Request().Context(), id); err != nil {
		if types.KindOf(err) == types.KindSessionBusy {
			return c.JSON(http.StatusConflict, errorBody{Error: err.Error(), ErrorKind: string(types.KindSessionBusy)})
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListSessions lists in-memory sessions and, with a store, persisted ones.
func (s *Server) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	seen := make(map[string]int)
	var out []SessionSummary

	for _, id := range s.deps.Sessions.Active() {
		sess := s.deps.Sessions.GetContext(ctx, id)
		seen[id] = len(out)
		out = append(out, SessionSummary{
			ID:           id,
			TurnCount:    len(sess.Turns),
			CreatedAt:    sess.CreatedAt,
			LastActiveAt: sess.LastActiveAt,
			InMemory:     true,
		})
	}

	if s.deps.Store != nil {
		rows, err := s.deps.Store.ListSessions(ctx, queryInt(c, "limit", 100))
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, ok := seen[row.ID]; ok {
				continue
			}
			out = append(out, SessionSummary{
				ID:           row.ID,
				TurnCount:    row.TurnCount,
				CreatedAt:    row.CreatedAt,
				LastActiveAt: row.LastActiveAt,
			})
		}
	}
	if out == nil {
		out = []SessionSummary{}
	}
	return c.JSON(http.StatusOK, out)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLUGINS, STATS, EVENTS, HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// ListPlugins returns every plugin with its lifecycle status.
func (s *Server) ListPlugins(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

// Stats returns pipeline, plugin and router counters.
func (s *Server) Stats(c echo.Context) error {
	resp := StatsResponse{
		Pipeline: s.deps.Pipeline.Stats(),
		InFlight: s.deps.Pipeline.InFlight(),
		Sessions: s.deps.Sessions.Len(),
	}
	if s.deps.Executor != nil {
		st := s.deps.Executor.Stats()
		resp.Plugins = &st
	}
	if s.deps.Router != nil {
		st := s.deps.Router.Stats()
		resp.Router = &st
	}
	return c.JSON(http.StatusOK, resp)
}

// EventHistory returns persisted events filtered by session, request or type.
func (s *Server) EventHistory(c echo.Context) error {
	if s.deps.Store == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "event history is not enabled"})
	}
	events, err := s.deps.Store.RecentEvents(c.Request().Context(), data.EventFilter{
		SessionID: c.QueryParam("session_id"),
		RequestID: c.QueryParam("request_id"),
		Type:      bus.EventType(c.QueryParam("type")),
		Limit:     queryInt(c, "limit", 100),
	})
	if err != nil {
		return err
	}
	if events == nil {
		events = []bus.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// Health reports liveness plus store and provider health.
func (s *Server) Health(c echo.Context) error {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  s.cfg.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Plugins:  len(s.deps.Registry.List()),
		Sessions: s.deps.Sessions.Len(),
	}
	status := http.StatusOK
	if s.deps.Store != nil {
		resp.Store = "ok"
		if err := s.deps.Store.Health(c.Request().Context()); err != nil {
			resp.Store = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Router != nil {
		resp.Providers = s.deps.Router.Health().Status()
	}
	return c.JSON(status, resp)
}

func queryInt(c echo.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.QueryParam(name)); err == nil && v > 0 {
		return v
	}
	return def
}
