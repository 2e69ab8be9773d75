package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"msgflow/backend/internal/metrics"
)

// Metrics records request count and latency per matched route.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = problemFor(err).Status
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RecordHTTPRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
