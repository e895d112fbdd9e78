// Package coingecko implements domain.MarketProvider against the CoinGecko
// simple price API.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/platform/retry"
	"github.com/pscheid92/signalhub/internal/platform/version"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	apiKeyHeader = "x-cg-demo-api-key"
	maxBodyBytes = 1 << 20

	retryInitialBackoff   = 500 * time.Millisecond
	retryRateLimitBackoff = 2 * time.Second
	retryMaxBackoff       = 4 * time.Second
)

type Config struct {
	BaseURL       string
	APIKey        string
	RatePerMinute int
	HTTPClient    *http.Client
}

// Client fetches quotes in one batched request per call. Requests are paced by
// a client-side rate limiter and short-circuited while the provider keeps failing.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker[any]
	clock   clockwork.Clock
	metrics *metrics.MarketMetrics
}

var _ domain.MarketProvider = (*Client)(nil)

func NewClient(cfg Config, clock clockwork.Clock, m *metrics.MarketMetrics) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(3).
		WithDelay(time.Minute).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "coingecko",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if e.NewState == circuitbreaker.OpenState {
				m.CircuitOpen.Set(1)
			} else {
				m.CircuitOpen.Set(0)
			}
		}).
		Build()

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		breaker: breaker,
		clock:   clock,
		metrics: m,
	}
}

// GetQuotes returns price and 24h change for ids. Assets the provider does not
// know are absent from the result. Failures are *domain.ProviderError.
func (c *Client) GetQuotes(ctx context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	if len(ids) == 0 {
		return map[domain.AssetID]domain.AssetQuote{}, nil
	}

	p := retry.Policy{
		MaxAttempts:      2,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
		MaxBackoff:       retryMaxBackoff,
		Clock:            c.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.metrics.ProviderRetries.Inc()
			slog.WarnContext(ctx, "Quote request failed, retrying", "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
		},
	}

	quotes, err := retry.Do(ctx, p, classify, func(ctx context.Context) (map[domain.AssetID]domain.AssetQuote, error) {
		return c.fetch(ctx, ids)
	})
	if err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &domain.ProviderError{Kind: transportKind(err), Err: err}
	}
	return quotes, nil
}

func classify(err error) retry.Action {
	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		return retry.Retry
	}
	switch {
	case errors.Is(pe.Err, circuitbreaker.ErrOpen):
		return retry.Stop
	case pe.Kind == domain.ProviderRateLimited:
		return retry.After
	case pe.Kind == domain.ProviderBadPayload:
		return retry.Stop
	default:
		return retry.Retry
	}
}

type priceEntry struct {
	USD           *decimal.Decimal `json:"usd"`
	USD24hChange  *float64         `json:"usd_24h_change"`
	LastUpdatedAt int64            `json:"last_updated_at"`
}

func (c *Client) fetch(ctx context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	if !c.breaker.TryAcquirePermit() {
		return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: circuitbreaker.ErrOpen}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderTimeout, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	quotes, err := c.request(ctx, ids)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.breaker.RecordError(err)
		}
		return nil, err
	}
	c.breaker.RecordSuccess()
	return quotes, nil
}

func (c *Client) request(ctx context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	q := url.Values{}
	q.Set("ids", strings.Join(names, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	q.Set("include_last_updated_at", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Kind: transportKind(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.ProviderError{Kind: domain.ProviderRateLimited, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &domain.ProviderError{Kind: transportKind(err), Err: err}
	}

	var payload map[string]priceEntry
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderBadPayload, Err: fmt.Errorf("decode price response: %w", err)}
	}

	now := c.clock.Now()
	out := make(map[domain.AssetID]domain.AssetQuote, len(payload))
	for name, entry := range payload {
		if entry.USD == nil {
			continue
		}
		q := domain.AssetQuote{
			AssetID:   domain.AssetID(name),
			PriceUSD:  *entry.USD,
			FetchedAt: now,
		}
		if entry.USD24hChange != nil {
			q.Change24hPct = *entry.USD24hChange
		}
		if entry.LastUpdatedAt > 0 {
			q.FetchedAt = time.Unix(entry.LastUpdatedAt, 0).UTC()
		}
		out[q.AssetID] = q
	}
	return out, nil
}

func transportKind(err error) domain.ProviderErrorKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.ProviderTimeout
	}
	return domain.ProviderUnavailable
}
