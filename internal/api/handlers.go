package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/flowdef"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/quota"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Detail    string    `json:"detail,omitempty"`
}

// Version is reported by the health endpoints.
var Version = "dev"

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "msgflow",
		Version:   Version,
	})
}

// HandleReady reports whether storage is reachable.
func (s *Server) HandleReady(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "msgflow",
		Version:   Version,
	}
	if err := s.pinger.Ping(c.Request().Context()); err != nil {
		status.Status = "unavailable"
		status.Detail = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	// set on 429 responses
	Limit string `json:"limit,omitempty"`
	Usage *int   `json:"usage,omitempty"`
	Max   *int   `json:"max,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.NotFound:     http.StatusNotFound,
	apperr.Invalid:      http.StatusBadRequest,
	apperr.Forbidden:    http.StatusForbidden,
	apperr.Conflict:     http.StatusConflict,
	apperr.Unavailable:  http.StatusServiceUnavailable,
	apperr.LimitReached: http.StatusTooManyRequests,
	apperr.Internal:     http.StatusInternalServerError,
}

// problemFor converts err into a problem document.
func problemFor(err error) ProblemDetails {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		detail := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
		return ProblemDetails{Type: "about:blank", Title: http.StatusText(he.Code), Status: he.Code, Detail: detail}
	}

	status := kindStatus[apperr.KindOf(err)]
	p := ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: err.Error(),
	}
	if status == http.StatusInternalServerError {
		p.Detail = "internal error"
	}

	var lr *quota.LimitReachedError
	if errors.As(err, &lr) {
		p.Title = "Limit reached"
		p.Limit = lr.Limit
		p.Usage = &lr.Usage
		p.Max = &lr.Max
	}
	var ve *flowdef.ValidationError
	if errors.As(err, &ve) {
		p.Errors = ve.Problems
	}
	return p
}

// ErrorHandler writes every handler error as application/problem+json.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		p.Instance = c.Request().URL.Path
		if p.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", p.Instance, "status", p.Status, "error", err)
		}
		writeProblem(c, p)
	}
}

// writeProblem writes an RFC 7807 Problem Details JSON error response
func writeProblem(c echo.Context, p ProblemDetails) {
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	_ = c.JSON(p.Status, p)
}
