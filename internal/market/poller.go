package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
	"golang.org/x/sync/singleflight"
)

// DefaultProviderTimeout bounds a single provider request.
const DefaultProviderTimeout = 10 * time.Second

// the asset universe is global per cycle, so every poll shares one flight
const flightKey = "quotes"

var errNoQuotes = errors.New("provider returned none of the requested assets")

type cachedQuote struct {
	quote     domain.AssetQuote
	fetchedAt time.Time
}

// Status describes poller health for dashboards and readiness checks.
type Status struct {
	LastSuccess         time.Time `json:"last_success"`
	LastAttempt         time.Time `json:"last_attempt"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Stale               bool      `json:"stale"`
	CachedAssets        int       `json:"cached_assets"`
}

// Poller fetches quotes through a domain.MarketProvider with caching and request coalescing.
type Poller struct {
	provider domain.MarketProvider
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.MarketMetrics
	group    singleflight.Group

	mu          sync.RWMutex
	cache       map[domain.AssetID]cachedQuote
	lastSuccess time.Time
	lastAttempt time.Time
	failures    int
	lastErr     error
}

// NewPoller creates a poller whose cache TTL equals interval.
func NewPoller(provider domain.MarketProvider, interval, timeout time.Duration, clock clockwork.Clock, m *metrics.MarketMetrics) *Poller {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Poller{
		provider: provider,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
		cache:    make(map[domain.AssetID]cachedQuote),
	}
}

// Poll returns quotes for assets. Quotes younger than the poll interval are
// served from cache; otherwise one batched provider request is issued, shared
// with any concurrent caller. Only quotes younger than twice the interval are
// ever returned with a nil error, whether the provider failed or just left an
// asset out of its answer. Beyond that the
// error wraps domain.ErrStaleData and the returned map holds whatever
// (expired) quotes remain so callers can render them as stale.
func (p *Poller) Poll(ctx context.Context, assets domain.AssetSet) (map[domain.AssetID]domain.AssetQuote, error) {
	if len(assets) == 0 {
		return map[domain.AssetID]domain.AssetQuote{}, nil
	}

	if quotes, ok := p.fresh(assets); ok {
		p.metrics.Polls.WithLabelValues(metrics.PollFresh).Inc()
		return quotes, nil
	}

	ch := p.group.DoChan(flightKey, func() (any, error) {
		return nil, p.fetch(ctx, assets)
	})

	var fetchErr error
	select {
	case res := <-ch:
		fetchErr = res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("poll cancelled: %w", ctx.Err())
	}

	if fetchErr == nil {
		quotes, _ := p.cached(assets, 2*p.interval)
		if len(quotes) > 0 {
			p.metrics.Polls.WithLabelValues(metrics.PollFetched).Inc()
			if len(quotes) < len(assets) {
				slog.WarnContext(ctx, "Market provider omitted assets",
					"assets", len(assets), "served", len(quotes))
			}
			return quotes, nil
		}
		fetchErr = errNoQuotes
	}

	if quotes, ok := p.cached(assets, 2*p.interval); ok {
		p.metrics.Polls.WithLabelValues(metrics.PollFallback).Inc()
		slog.WarnContext(ctx, "Market provider failed, serving cached quotes",
			"error", fetchErr, "assets", len(assets), "served", len(quotes))
		return quotes, nil
	}

	p.metrics.Polls.WithLabelValues(metrics.PollStale).Inc()
	expired, _ := p.cached(assets, 0)
	return expired, fmt.Errorf("%w: %w", domain.ErrStaleData, fetchErr)
}

// fetch runs inside the single flight. It detaches from the first caller's
// cancellation so that joined callers are not failed by it; the provider
// timeout still bounds it.
func (p *Poller) fetch(ctx context.Context, assets domain.AssetSet) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := p.clock.Now()
	quotes, err := p.provider.GetQuotes(ctx, assets.Sorted())
	p.metrics.ProviderDuration.Observe(p.clock.Since(start).Seconds())
	if err == nil && len(quotes) == 0 {
		err = errNoQuotes
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.lastAttempt = now

	if err != nil {
		p.failures++
		p.lastErr = err
		p.metrics.ProviderErrors.WithLabelValues(providerErrorKind(err)).Inc()
		return err
	}

	for id, q := range quotes {
		p.cache[id] = cachedQuote{quote: q, fetchedAt: now}
	}
	p.lastSuccess = now
	p.failures = 0
	p.lastErr = nil
	return nil
}

// fresh reports whether every asset has a quote younger than the poll interval.
func (p *Poller) fresh(assets domain.AssetSet) (map[domain.AssetID]domain.AssetQuote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.clock.Now()
	for id := range assets {
		c, ok := p.cache[id]
		if !ok || now.Sub(c.fetchedAt) >= p.interval {
			return nil, false
		}
	}
	return p.collectLocked(assets, 0, now), true
}

// cached returns the cached quotes for assets younger than maxAge (0 = any age).
// ok is false when nothing qualifies.
func (p *Poller) cached(assets domain.AssetSet, maxAge time.Duration) (map[domain.AssetID]domain.AssetQuote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	quotes := p.collectLocked(assets, maxAge, p.clock.Now())
	return quotes, len(quotes) > 0
}

func (p *Poller) collectLocked(assets domain.AssetSet, maxAge time.Duration, now time.Time) map[domain.AssetID]domain.AssetQuote {
	out := make(map[domain.AssetID]domain.AssetQuote, len(assets))
	var oldest time.Time
	for id := range assets {
		c, ok := p.cache[id]
		if !ok || (maxAge > 0 && now.Sub(c.fetchedAt) >= maxAge) {
			continue
		}
		out[id] = c.quote
		if oldest.IsZero() || c.fetchedAt.Before(oldest) {
			oldest = c.fetchedAt
		}
	}
	if !oldest.IsZero() {
		p.metrics.CacheAgeSeconds.Set(now.Sub(oldest).Seconds())
	}
	return out
}

// Status reports the poller's view of provider health. Stale is set once the
// provider has been failing for longer than the cache TTL.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		LastSuccess:         p.lastSuccess,
		LastAttempt:         p.lastAttempt,
		ConsecutiveFailures: p.failures,
		CachedAssets:        len(p.cache),
	}
	if p.lastErr != nil {
		s.LastError = p.lastErr.Error()
	}
	if p.failures > 0 {
		s.Stale = p.lastSuccess.IsZero() || p.clock.Since(p.lastSuccess) >= p.interval
	}
	return s
}

func providerErrorKind(err error) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ProviderTimeout.String()
	}
	return domain.ProviderUnavailable.String()
}
