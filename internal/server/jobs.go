package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	core "github.com/arxivist/arxivist/internal/agent/core"
	"github.com/arxivist/arxivist/internal/failure"
	"github.com/arxivist/arxivist/internal/queue/streams"
)

// JobsHandler exposes the research pipeline over HTTP.
type JobsHandler struct {
	deps   Deps
	logger *log.Logger
}

// Register mounts the job routes on the given group.
func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("/research", h.research)
	g.POST("/jobs", h.submit)
	g.GET("/jobs", h.list)
	g.GET("/jobs/:id", h.status)
	g.DELETE("/jobs/:id", h.cancel)
	g.GET("/jobs/:id/report", h.report)
	g.GET("/reports/search", h.search)
}

// research runs a request synchronously and returns the terminal result.
func (h *JobsHandler) research(c echo.Context) error {
	var req core.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.deps.Supervisor.Research(c.Request().Context(), req)
	if err != nil && failure.KindOf(err) == failure.KindMalformedInput {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// A failed job is still a completed API call; the result carries the
	// stable failure reason.
	return c.JSON(http.StatusOK, res)
}

// submit enqueues a request for asynchronous processing by a worker.
func (h *JobsHandler) submit(c echo.Context) error {
	if h.deps.Publisher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "async submission not configured")
	}
	var req core.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	jobID := uuid.NewString()
	if h.deps.Jobs != nil {
		now := time.Now().UTC()
		pending := &core.Job{
			ID:        jobID,
			Query:     req.Query,
			Options:   req.Options,
			Status:    core.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := h.deps.Jobs.SaveJob(c.Request().Context(), pending); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "persist job")
		}
	}

	_, err := h.deps.Publisher.PublishSubmission(c.Request().Context(), h.deps.JobStream, streams.JobSubmission{
		JobID:         jobID,
		Query:         req.Query,
		SourceTypes:   req.Options.SourceTypes,
		ModelProvider: req.Options.ModelProvider,
		Model:         req.Options.Model,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "enqueue job")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(core.StatusPending)})
}

func (h *JobsHandler) list(c echo.Context) error {
	if h.deps.Jobs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "job store not configured")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := h.deps.Jobs.ListJobs(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list jobs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// status reports a job from the in-process registry first, then the store.
func (h *JobsHandler) status(c echo.Context) error {
	id := c.Param("id")
	if res, ok := h.deps.Supervisor.Status(id); ok {
		return c.JSON(http.StatusOK, res)
	}
	if h.deps.Jobs != nil {
		if rec, ok, err := h.deps.Jobs.GetJob(c.Request().Context(), id); err == nil && ok {
			return c.JSON(http.StatusOK, core.Result{
				JobID:         rec.ID,
				Status:        core.Status(rec.Status),
				FailureReason: rec.FailureReason,
			})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "job not found")
}

func (h *JobsHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if h.deps.Supervisor.Cancel(id) {
		return c.JSON(http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
	}
	if _, ok := h.deps.Supervisor.Status(id); ok {
		return echo.NewHTTPError(http.StatusConflict, "job already finished")
	}
	return echo.NewHTTPError(http.StatusNotFound, "job not found")
}

func (h *JobsHandler) report(c echo.Context) error {
	id := c.Param("id")
	if res, ok := h.deps.Supervisor.Status(id); ok && res.Report != "" {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(res.Report))
	}
	if h.deps.Jobs != nil {
		if md, ok, err := h.deps.Jobs.GetReport(c.Request().Context(), id); err == nil && ok {
			return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "report not found")
}

func (h *JobsHandler) search(c echo.Context) error {
	if h.deps.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "report search not configured")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	hits, err := h.deps.Index.Search(q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hits": hits})
}
