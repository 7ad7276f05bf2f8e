package routes

import (
	"github.com/labstack/echo/v4"
)

// RegisterOpsRoutes registers health probes and the metrics endpoint.
func RegisterOpsRoutes(e *echo.Echo, deps OpsDeps) {
	e.GET("/healthz", deps.HealthHandler.Live)
	e.GET("/readyz", deps.HealthHandler.Ready)
	if deps.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(deps.MetricsHandler))
	}
}
