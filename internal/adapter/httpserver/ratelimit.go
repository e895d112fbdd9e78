package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// Limit scopes, reported on the rejected-requests metric.
const (
	scopeAPI           = "api"
	scopeDeviceCommand = "device_command"
)

// limitKey picks the bucket a request is charged to.
type limitKey func(c echo.Context) string

func clientKey(c echo.Context) string {
	return "ip:" + c.RealIP()
}

// targetUserKey charges device commands to the user whose hardware they reach,
// so spreading requests over many addresses does not multiply buzzer pulses.
// Requests without a valid user fall back to the client bucket; the handler
// rejects them anyway.
func targetUserKey(c echo.Context) string {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return clientKey(c)
	}
	return "user:" + strconv.FormatInt(id, 10)
}

// rateLimit returns a limiter for scope. A non-positive rate disables it.
func (s *Server) rateLimit(scope string, perSecond float64, burst int, key limitKey) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if burst <= 0 {
		burst = 1
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: rateLimiterExpiry,
	})
	retryAfter := strconv.Itoa(max(1, int(1/perSecond)))

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return key(c), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			if s.httpMetrics != nil {
				s.httpMetrics.RateLimited.WithLabelValues(scope).Inc()
			}
			slog.DebugContext(c.Request().Context(), "Request rate limited", "scope", scope, "key", identifier)
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
				"scope": scope,
			})
		},
	})
}
