package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/ahiretrieve/internal/app"
	"github.com/datallboy/ahiretrieve/internal/descriptor"
	"github.com/datallboy/ahiretrieve/internal/domain"
	"github.com/datallboy/ahiretrieve/internal/engine"
)

// RunService is the part of engine.RunManager the API drives.
type RunService interface {
	Add(ctx context.Context, inputs []string, resume bool) (*domain.Run, error)
	Get(ctx context.Context, id string) (*domain.Run, error)
	List(ctx context.Context, limit int) ([]*domain.Run, error)
	Active() *domain.Run
	Cancel(id string) bool
}

type RunsController struct {
	App  *app.Context
	Runs RunService

	now func() time.Time
}

func (ctrl *RunsController) clock() time.Time {
	if ctrl.now != nil {
		return ctrl.now()
	}
	return time.Now()
}

// Progress reports the active run with live counters.
func (ctrl *RunsController) Progress(c *echo.Context) error {
	runs, err := ctrl.Runs.List(c.Request().Context(), 0)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	queued := 0
	for _, r := range runs {
		if r.Status == domain.RunPending {
			queued++
		}
	}

	return c.JSON(http.StatusOK, ProgressResponse{
		Active: newRunResponse(ctrl.Runs.Active(), ctrl.clock()),
		Queued: queued,
	})
}

func (ctrl *RunsController) List(c *echo.Context) error {
	limit := 100
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return jsonError(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	runs, err := ctrl.Runs.List(c.Request().Context(), limit)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}

	now := ctrl.clock()
	out := make([]*RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunResponse(r, now))
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *RunsController) Create(c *echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid request body")
	}

	run, err := ctrl.Runs.Add(c.Request().Context(), req.Inputs, req.Resume)
	switch {
	case errors.Is(err, descriptor.ErrInvalid), errors.Is(err, domain.ErrConfiguration):
		return jsonError(c, http.StatusBadRequest, err.Error())
	case err != nil:
		return jsonError(c, http.StatusUnprocessableEntity, err.Error())
	}

	ctrl.App.Logger.Info("Queued run %s with %d frames", run.ID, run.TotalFrames)
	return c.JSON(http.StatusAccepted, newRunResponse(run, ctrl.clock()))
}

func (ctrl *RunsController) Get(c *echo.Context) error {
	run, err := ctrl.Runs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, engine.ErrRunNotFound) {
		return jsonError(c, http.StatusNotFound, "run not found")
	}
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newRunResponse(run, ctrl.clock()))
}

func (ctrl *RunsController) Cancel(c *echo.Context) error {
	if !ctrl.Runs.Cancel(c.Param("id")) {
		return jsonError(c, http.StatusNotFound, "run not found or already finished")
	}
	return c.NoContent(http.StatusAccepted)
}
