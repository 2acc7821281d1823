// Package server exposes a session coordinator over HTTP and a websocket
// snapshot feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"scamdrill/log"
	"scamdrill/scoring"
	"scamdrill/session"
)

// Controller is the part of *session.Coordinator the server drives.
type Controller interface {
	Start(mode session.Mode) error
	Stop()
	Reset()
	ClearTranscript()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ScoreRequest struct {
	ScenarioID string `json:"scenario_id"`
	Text       string `json:"text"` // current transcript when empty
}

type Server struct {
	echo   *echo.Echo
	ctl    Controller
	scorer scoring.Scorer
}

// New builds the router. scorer may be nil, which disables /score.
func New(ctl Controller, scorer scoring.Scorer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugf("http %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	s := &Server{echo: e, ctl: ctl, scorer: scorer}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "scamdrill",
		})
	})

	v1 := s.echo.Group("/api/v1")
	v1.GET("/session", s.getSession)
	v1.POST("/session/start", s.startSession)
	v1.POST("/session/stop", s.stopSession)
	v1.POST("/session/reset", s.resetSession)
	v1.DELETE("/session/transcript", s.clearTranscript)
	v1.POST("/score", s.score)

	s.echo.GET("/ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	log.Infof("http server listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) getSession(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) startSession(c echo.Context) error {
	mode, err := session.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_mode",
			Message: "mode must be record or stream",
		})
	}
	if err := s.ctl.Start(mode); err != nil {
		return c.JSON(startStatus(err), ErrorResponse{
			Error:   errorCode(err),
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusAccepted, s.ctl.Snapshot())
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrNotReset):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "busy"
	case errors.Is(err, session.ErrNotReset):
		return "not_reset"
	case errors.Is(err, session.ErrInvalidMode):
		return "invalid_mode"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	}
	return "internal_error"
}

func (s *Server) stopSession(c echo.Context) error {
	s.ctl.Stop()
	return c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) resetSession(c echo.Context) error {
	s.ctl.Reset()
	return c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) clearTranscript(c echo.Context) error {
	s.ctl.ClearTranscript()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) score(c echo.Context) error {
	if s.scorer == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "scoring_disabled",
			Message: "no scorer configured",
		})
	}
	var req ScoreRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		req.Text = s.ctl.Snapshot().Transcript
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "empty_transcript",
			Message: "nothing to score",
		})
	}
	res, err := s.scorer.Score(c.Request().Context(), req.ScenarioID, req.Text)
	if err != nil {
		log.Errorf("score: %v", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "scoring_failed",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, res)
}
