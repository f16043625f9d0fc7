package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/arxivist/arxivist/internal/agent/core"
	"github.com/arxivist/arxivist/internal/queue/streams"
	"github.com/arxivist/arxivist/internal/store"
)

// JobStore is the persistence surface the API reads and writes.
type JobStore interface {
	SaveJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, id string) (store.JobRecord, bool, error)
	ListJobs(ctx context.Context, limit int) ([]store.JobRecord, error)
	GetReport(ctx context.Context, jobID string) (string, bool, error)
}

// Deps carries the wired components the API serves. Publisher and Index
// are optional; their routes report 503 when absent.
type Deps struct {
	Supervisor *core.Supervisor
	Jobs       JobStore
	Index      *store.ReportIndex
	Publisher  *streams.Publisher
	JobStream  string
}

// Server is the HTTP API over the research pipeline.
type Server struct {
	e      *echo.Echo
	logger *log.Logger
	deps   Deps
}

// New builds the echo server with all routes registered.
func New(logger *log.Logger, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s := &Server{e: e, logger: logger, deps: deps}
	h := &JobsHandler{deps: deps, logger: logger}
	h.Register(e.Group("/api"))
	return s
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return s.e.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
