package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signalhub/internal/market"
	"github.com/pscheid92/signalhub/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second

	checkOK     = "ok"
	marketCheck = "market"
)

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Market market.Status     `json:"market"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()
	return s.writeReadiness(c, s.checkDependencies(ctx))
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()
	return s.writeReadiness(c, s.checkDependencies(ctx))
}

func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{
		"status": checkOK,
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}

// checkDependencies runs every dependency check concurrently and adds the market verdict.
// A failing check does not cut the others short.
func (s *Server) checkDependencies(ctx context.Context) readinessResponse {
	resp := readinessResponse{
		Status: "ready",
		Checks: make(map[string]string, len(s.healthChecks)+1),
		Market: s.app.MarketStatus(),
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, hc := range s.healthChecks {
		g.Go(func() error {
			result := checkOK
			if err := hc.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			resp.Checks[hc.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp.Checks[marketCheck] = marketVerdict(resp.Market)
	for _, result := range resp.Checks {
		if result != checkOK {
			resp.Status = "unhealthy"
		}
	}
	return resp
}

// marketVerdict fails readiness only once a poll was attempted and the
// provider has been failing for longer than the cache TTL.
func marketVerdict(st market.Status) string {
	if st.Stale && !st.LastAttempt.IsZero() {
		return fmt.Sprintf("market data stale after %d consecutive failures", st.ConsecutiveFailures)
	}
	return checkOK
}

func (s *Server) writeReadiness(c echo.Context, resp readinessResponse) error {
	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	return writeJSON(c, status, resp)
}
