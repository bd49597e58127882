package main

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"log/slog"
)

// APIServer provides a read-only HTTP side channel for operators: health,
// connected/call counts, and recent call history. It never participates in
// signaling — that is exclusively the TCP record protocol — mirroring the
// teacher's separation between the websocket server and its REST API.
type APIServer struct {
	srv  *Server
	echo *echo.Echo
}

func NewAPIServer(srv *Server) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("api", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	a := &APIServer{srv: srv, echo: e}
	a.registerRoutes()
	return a
}

func (a *APIServer) registerRoutes() {
	a.echo.GET("/health", a.handleHealth)
	a.echo.GET("/stats", a.handleStats)
	a.echo.GET("/calls", a.handleCalls)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is
// cancelled, then shuts it down with a bounded grace period.
func (a *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("api: server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutCtx); err != nil {
		slog.Error("api: shutdown", "err", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (a *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// StatsResponse is the payload for GET /stats.
type StatsResponse struct {
	ConnectedUsers int `json:"connected_users"`
	ActiveCalls    int `json:"active_calls"`
}

func (a *APIServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		ConnectedUsers: a.srv.presence.Count(),
		ActiveCalls:    a.srv.calls.Count(),
	})
}

// CallHistoryEntry is an element in the GET /calls array.
type CallHistoryEntry struct {
	CallID   string `json:"call_id"`
	From     string `json:"from_user"`
	To       string `json:"to_user"`
	CallType string `json:"call_type"`
	Status   string `json:"status"`
	Started  string `json:"started"`
	Duration string `json:"duration"`
}

func (a *APIServer) handleCalls(c echo.Context) error {
	limit := 50
	records, err := a.srv.store.RecentCalls(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]CallHistoryEntry, 0, len(records))
	for _, r := range records {
		out = append(out, CallHistoryEntry{
			CallID:   r.CallID,
			From:     r.FromUser,
			To:       r.ToUser,
			CallType: r.CallType,
			Status:   r.Status,
			Started:  humanize.Time(time.Unix(r.StartTime, 0)),
			Duration: (time.Duration(r.DurationS) * time.Second).String(),
		})
	}
	return c.JSON(http.StatusOK, out)
}
