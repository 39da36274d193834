package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// LoggingMiddleware logs every request through slog.
func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", c.Response().Status,
			"bytes", c.Response().Size,
			"elapsed", time.Since(start),
			"remote", c.RealIP())
		return nil
	}
}

// ErrorHandler writes errors as {"message": "..."} and logs server-side
// failures with their underlying cause.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	he := &echo.HTTPError{Code: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError)}
	var target *echo.HTTPError
	if errors.As(err, &target) {
		he = target
	}

	msg := he.Message
	if s, ok := msg.(string); ok {
		msg = map[string]string{"message": s}
	}

	cause := err
	if he.Internal != nil {
		cause = he.Internal
	}
	if he.Code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "status", he.Code, "error", cause)
	} else {
		slog.Debug("request rejected", "method", c.Request().Method, "path", c.Request().URL.Path, "status", he.Code, "error", cause)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(he.Code)
	} else {
		err = c.JSON(he.Code, msg)
	}
	if err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}
