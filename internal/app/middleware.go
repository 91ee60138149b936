package app

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/tonkeeper/ssestream/internal/middleware"
	"github.com/tonkeeper/ssestream/internal/utils"
	"golang.org/x/exp/slices"
)

// OnlyPaths returns a skipper that lets a middleware run only for the given
// route paths.
func OnlyPaths(paths ...string) func(c echo.Context) bool {
	return func(c echo.Context) bool {
		return !slices.Contains(paths, c.Path())
	}
}

// ConnectionsLimitMiddleware rejects requests once the client holds too many
// concurrent connections.
func ConnectionsLimitMiddleware(counter *middleware.ConnectionsLimiter, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			release, err := counter.LeaseConnection(c.Request())
			if err != nil {
				return c.JSON(utils.StatusError(err.Error(), http.StatusTooManyRequests))
			}
			defer release()
			return next(c)
		}
	}
}

// LogrusLoggerMiddleware logs one line per request through logrus.
func LogrusLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			latency := time.Since(start)

			req, res := c.Request(), c.Response()
			fields := logrus.Fields{
				"remote_ip":  c.RealIP(),
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": latency.Milliseconds(),
				"bytes_out":  res.Size,
			}
			if ua := req.UserAgent(); ua != "" {
				fields["user_agent"] = ua
			}
			if id := req.Header.Get(echo.HeaderXRequestID); id != "" {
				fields["request_id"] = id
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			logrus.WithFields(fields).Info()
			return err
		}
	}
}
