// Package httpapi wires the echo router: middleware chain, authentication,
// and every route from spec.md §6, grounded on master/internal/core.go's
// echo setup (Recover, CORS, Secure headers, a context-wrapping
// middleware, logger.New(), route groups).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/arkforge/gputaskd/internal/apierror"
	"github.com/arkforge/gputaskd/internal/app"
	"github.com/arkforge/gputaskd/internal/gpu"
	"github.com/arkforge/gputaskd/internal/logging"
	"github.com/arkforge/gputaskd/internal/session"
	"github.com/arkforge/gputaskd/internal/taskevent"
)

// Pipeline is the capability the HTTP layer drives per request; it is
// satisfied by internal/app.App. PrepareTask does everything that can
// still fail with an HTTP status (spec.md §7); ExecuteTask runs only
// after the SSE stream has opened and never returns an error the HTTP
// layer can act on.
type Pipeline interface {
	PrepareTask(ctx context.Context, req app.TaskRequest) (*app.PreparedTask, error)
	ExecuteTask(ctx context.Context, prepared *app.PreparedTask, sink func(taskevent.Event))
	Sessions() *session.Registry
	GpuAllocator() *gpu.Allocator
	CatalogTaskNames() ([]string, error)
}

// TaskRequest is the decoded body of POST /api/tasks/predefined.
type TaskRequest struct {
	TaskName       string            `json:"task_name"`
	TaskDifficulty string            `json:"task_difficulty,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	CreateSession  bool              `json:"create_session,omitempty"`
}

func (r TaskRequest) toAppRequest() app.TaskRequest {
	return app.TaskRequest{
		TaskName:       r.TaskName,
		TaskDifficulty: r.TaskDifficulty,
		TimeoutSeconds: r.TimeoutSeconds,
		Metadata:       r.Metadata,
		SessionID:      r.SessionID,
		CreateSession:  r.CreateSession,
	}
}

// New builds the echo.Echo instance with every middleware and route
// registered, ready for e.Start(addr).
func New(pipeline Pipeline, apiKey string, log *logrus.Entry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger = logging.NewEchoLogger()
	e.HTTPErrorHandler = jsonErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	e.GET("/health", healthHandler(pipeline))

	api := e.Group("/api", apiKeyMiddleware(apiKey))
	api.POST("/tasks/predefined", predefinedTaskHandler(pipeline, log))
	api.GET("/sessions", listSessionsHandler(pipeline))
	api.GET("/sessions/:id", getSessionHandler(pipeline))
	api.DELETE("/sessions/:id", killSessionHandler(pipeline))
	api.POST("/sessions/:id/keepalive", keepaliveHandler(pipeline))
	api.GET("/gpus", gpuSnapshotHandler(pipeline))
	api.GET("/catalog/tasks", catalogTasksHandler(pipeline))

	return e
}

func apiKeyMiddleware(expected string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if expected == "" || c.Request().Header.Get("X-API-Key") != expected {
				return jsonErrorResponse(c, apierror.ErrUnauthenticated)
			}
			return next(c)
		}
	}
}

func healthHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		names, _ := p.CatalogTaskNames()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"gpus":     p.GpuAllocator().Snapshot(),
			"sessions": len(p.Sessions().List()),
			"tasks":    names,
		})
	}
}

func gpuSnapshotHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, p.GpuAllocator().Snapshot())
	}
}

func catalogTasksHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		names, err := p.CatalogTaskNames()
		if err != nil {
			return jsonErrorResponse(c, err)
		}
		return c.JSON(http.StatusOK, names)
	}
}

func listSessionsHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions := p.Sessions().List()
		out := make([]session.Summary, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, s.Summary())
		}
		return c.JSON(http.StatusOK, out)
	}
}

func getSessionHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, ok := p.Sessions().Get(c.Param("id"))
		if !ok {
			return jsonErrorResponse(c, fmt.Errorf("%w: %s", session.ErrSessionNotFound, c.Param("id")))
		}
		return c.JSON(http.StatusOK, s.Summary())
	}
}

func killSessionHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := p.Sessions().Kill(c.Request().Context(), c.Param("id"), "manual"); err != nil {
			return jsonErrorResponse(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func keepaliveHandler(p Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, ok := p.Sessions().Get(c.Param("id"))
		if !ok {
			return jsonErrorResponse(c, fmt.Errorf("%w: %s", session.ErrSessionNotFound, c.Param("id")))
		}
		p.Sessions().Keepalive(s)
		return c.NoContent(http.StatusNoContent)
	}
}

// predefinedTaskHandler implements POST /api/tasks/predefined. Per
// spec.md §7's propagation policy, everything that can still fail with
// an ordinary HTTP status (catalog resolution, model fetch, GPU lease,
// session lookup, queue admission) runs in PrepareTask before any bytes
// are written; only once that succeeds does the handler commit the SSE
// stream and hand off to ExecuteTask, whose errors can only become
// in-band terminal events.
func predefinedTaskHandler(p Pipeline, log *logrus.Entry) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req TaskRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return c.JSON(http.StatusBadRequest, apierror.Response{Status: "invalid_tag", Message: err.Error()})
		}

		ctx := c.Request().Context()
		prepared, err := p.PrepareTask(ctx, req.toAppRequest())
		if err != nil {
			log.WithError(err).Warn("predefined task rejected before stream open")
			return jsonErrorResponse(c, err)
		}

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set("Cache-Control", "no-cache")
		resp.Header().Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
		flusher, _ := resp.Writer.(http.Flusher)

		sink := func(ev taskevent.Event) {
			writeSSEEvent(resp, ev)
			if flusher != nil {
				flusher.Flush()
			}
		}

		p.ExecuteTask(ctx, prepared, sink)
		return nil
	}
}

func writeSSEEvent(w http.ResponseWriter, ev taskevent.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Tag, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	_ = jsonErrorResponse(c, err)
}

func jsonErrorResponse(c echo.Context, err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return c.JSON(httpErr.Code, apierror.Response{Status: "failed", Message: fmt.Sprint(httpErr.Message)})
	}

	status := apierror.StatusFor(err)
	resp := apierror.ToResponse(err)
	if secs, ok := apierror.RetryAfterSeconds(err); ok {
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	return c.JSON(status, resp)
}
