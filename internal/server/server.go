// Package server provides the HTTP API: request submission and cancellation,
// session inspection, plugin listing, the live event stream and the A2A mount.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/normanking/agentcore/internal/autollm"
	"github.com/normanking/agentcore/internal/config"
	"github.com/normanking/agentcore/internal/data"
	"github.com/normanking/agentcore/internal/logging"
	"github.com/normanking/agentcore/internal/orchestrator"
	"github.com/normanking/agentcore/internal/plugin"
	"github.com/normanking/agentcore/internal/session"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds server configuration.
type Config struct {
	Addr string

	// AuthTokenHash is a bcrypt hash of the bearer token. Empty disables auth.
	AuthTokenHash string

	Version string

	// ShutdownTimeout bounds graceful shutdown (default: 10s).
	ShutdownTimeout time.Duration
}

// ConfigFrom maps the server config section.
func ConfigFrom(cfg config.ServerConfig, version string) Config {
	return Config{Addr: cfg.Addr, AuthTokenHash: cfg.AuthTokenHash, Version: version}
}

// Mounter adds routes of another component, such as the A2A endpoint.
type Mounter interface {
	Mount(e *echo.Echo)
}

// Deps are the components the API exposes. Router, Store, Events and Mounts
// are optional.
type Deps struct {
	Pipeline *orchestrator.Pipeline
	Sessions *session.Store
	Registry *plugin.Registry
	Executor *plugin.Executor
	Router   *autollm.Router
	Store    *data.Store

	// Events streams the bus over websocket (*bus.Observer).
	Events http.Handler

	Mounts []Mounter
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	deps    Deps
	echo    *echo.Echo
	log     *logging.Logger
	started time.Time
}

// New builds the server and registers every route.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Pipeline == nil || deps.Sessions == nil || deps.Registry == nil {
		return nil, errors.New("server needs pipeline, sessions and registry")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		echo:    echo.New(),
		log:     logging.Global().WithComponent("server"),
		started: time.Now(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(s.requestLogger())
	if cfg.AuthTokenHash != "" {
		s.echo.Use(newTokenAuth(cfg.AuthTokenHash).middleware())
	}

	s.RegisterRoutes(s.echo)
	for _, m := range deps.Mounts {
		m.Mount(s.echo)
	}
	return s, nil
}

// RegisterRoutes registers the API routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/requests", s.SubmitRequest)
	e.DELETE("/v1/sessions/:session_id/requests/:request_id", s.CancelRequest)

	e.GET("/v1/sessions", s.ListSessions)
	e.GET("/v1/sessions/:session_id", s.GetSession)
	e.DELETE("/v1/sessions/:session_id", s.DeleteSession)

	e.GET("/v1/plugins", s.ListPlugins)
	e.GET("/v1/stats", s.Stats)
	e.GET("/v1/events/history", s.EventHistory)
	if s.deps.Events != nil {
		e.GET("/v1/events", echo.WrapHandler(s.deps.Events))
	}

	e.GET("/health", s.Health)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("[Server] listening on %s (auth=%v)", s.cfg.Addr, s.cfg.AuthTokenHash != "")
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("[Server] shutting down")
	return s.echo.Shutdown(ctx)
}

// requestLogger routes echo's access log through the component logger.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.log.Warn("[Server] %s %s -> %d in %v (%s): %v", v.Method, v.URI, v.Status, v.Latency, v.RequestID, v.Error)
				return nil
			}
			s.log.Debug("[Server] %s %s -> %d in %v (%s)", v.Method, v.URI, v.Status, v.Latency, v.RequestID)
			return nil
		},
	})
}

// errorHandler renders every error as {"error": message}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("[Server] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorBody{Error: msg})
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}
