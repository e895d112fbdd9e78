package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const fallbackTTL = 5 * time.Minute

// CircuitBreakerHook implements redis.Hook to stop hammering an unavailable
// Redis. While the circuit is open, GETs are answered from the last values
// seen and everything else fails fast with circuitbreaker.ErrOpen.
type CircuitBreakerHook struct {
	cb       circuitbreaker.CircuitBreaker[any]
	mu       sync.RWMutex
	fallback map[string]fallbackValue
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

type fallbackValue struct {
	data     string
	storedAt time.Time
}

// NewCircuitBreakerHook opens after 60% failures over at least 5 requests in
// 10s, probes again after 30s and closes on the first success. m may be nil.
func NewCircuitBreakerHook(m *metrics.RedisMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.CircuitTransitions.WithLabelValues(e.NewState.String()).Inc()
				m.CircuitState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{cb: cb, fallback: make(map[string]fallbackValue)}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("circuit breaker dial failed: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.handleFallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		h.cb.RecordSuccess()
		h.remember(cmd)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		h.cb.RecordSuccess()
		return err
	}
}

func (h *CircuitBreakerHook) handleFallback(cmd goredis.Cmder) error {
	if cmd.Name() == "get" {
		if value, ok := h.lookup(cmd); ok {
			if c, ok := cmd.(*goredis.StringCmd); ok {
				slog.Debug("Circuit breaker open, serving from fallback", "command", cmd.Name(), "args", cmd.Args())
				c.SetVal(value)
				return nil
			}
		}
	}
	return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
}

func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	c, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" || len(cmd.Args()) < 2 {
		return
	}
	value, err := c.Result()
	if err != nil || value == "" {
		return
	}

	h.mu.Lock()
	h.fallback[fmt.Sprint(cmd.Args()[1])] = fallbackValue{data: value, storedAt: time.Now()}
	h.mu.Unlock()
}

func (h *CircuitBreakerHook) lookup(cmd goredis.Cmder) (string, bool) {
	if len(cmd.Args()) < 2 {
		return "", false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	v, ok := h.fallback[fmt.Sprint(cmd.Args()[1])]
	if !ok || time.Since(v.storedAt) > fallbackTTL {
		return "", false
	}
	return v.data, true
}

// State returns the current circuit state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
