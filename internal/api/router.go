package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datallboy/ahiretrieve/internal/api/controllers"
	"github.com/datallboy/ahiretrieve/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context, runs controllers.RunService) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Debug("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	runCtrl := &controllers.RunsController{App: app, Runs: runs}

	e.GET("/api/progress", runCtrl.Progress)
	e.GET("/api/runs", runCtrl.List)
	e.POST("/api/runs", runCtrl.Create)
	e.GET("/api/runs/:id", runCtrl.Get)
	e.DELETE("/api/runs/:id", runCtrl.Cancel)

	// Prometheus scrape endpoint
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(app.Metrics.Registry, promhttp.HandlerOpts{})))
}
