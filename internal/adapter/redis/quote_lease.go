package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	providerLeaseKey = "market:provider:lease"
	sharedQuotesKey  = "market:quotes"
)

// ErrNotLeaseholder is returned by Renew when another instance holds the lease
// or it has expired.
var ErrNotLeaseholder = errors.New("provider lease not held")

var (
	renewLease = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseLease = goredis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// ProviderLease elects the one instance allowed to call the market provider,
// so that a fleet stays inside the provider's per-key quota.
type ProviderLease struct {
	rdb        goredis.Cmdable
	instanceID string
	ttl        time.Duration
}

// NewProviderLease creates a lease for instanceID. ttl must outlive one poll
// interval or leadership flaps between cycles.
func NewProviderLease(rdb goredis.Cmdable, instanceID string, ttl time.Duration) *ProviderLease {
	return &ProviderLease{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

func (l *ProviderLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, providerLeaseKey, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire provider lease: %w", err)
	}
	return ok, nil
}

// Renew extends the lease if this instance still holds it.
func (l *ProviderLease) Renew(ctx context.Context) error {
	n, err := renewLease.Run(ctx, l.rdb, []string{providerLeaseKey}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew provider lease: %w", err)
	}
	if n == 0 {
		return ErrNotLeaseholder
	}
	return nil
}

// Hold renews the lease or, when nobody holds it, takes it over.
func (l *ProviderLease) Hold(ctx context.Context) (bool, error) {
	err := l.Renew(ctx)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrNotLeaseholder) {
		return false, err
	}
	return l.TryAcquire(ctx)
}

// Release gives the lease up on shutdown so a peer can take over without
// waiting for expiry.
func (l *ProviderLease) Release(ctx context.Context) error {
	if err := releaseLease.Run(ctx, l.rdb, []string{providerLeaseKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release provider lease: %w", err)
	}
	return nil
}

type sharedQuote struct {
	AssetID      domain.AssetID `json:"asset_id"`
	PriceUSD     string         `json:"price_usd"`
	Change24hPct float64        `json:"change_24h_pct"`
	FetchedAt    time.Time      `json:"fetched_at"`
}

// SharedQuotes is a domain.MarketProvider for multi-instance deployments. The
// leaseholder calls upstream and publishes the result; every other instance
// reads it back. If Redis cannot answer the lease check the instance calls
// upstream itself.
type SharedQuotes struct {
	upstream domain.MarketProvider
	lease    *ProviderLease
	rdb      goredis.Cmdable
	maxAge   time.Duration
	clock    clockwork.Clock
}

func NewSharedQuotes(upstream domain.MarketProvider, lease *ProviderLease, rdb goredis.Cmdable, maxAge time.Duration, clock clockwork.Clock) *SharedQuotes {
	return &SharedQuotes{upstream: upstream, lease: lease, rdb: rdb, maxAge: maxAge, clock: clock}
}

func (s *SharedQuotes) GetQuotes(ctx context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	leader, err := s.lease.Hold(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Provider lease check failed, fetching directly", "error", err)
		return s.upstream.GetQuotes(ctx, ids)
	}
	if !leader {
		return s.read(ctx, ids)
	}

	quotes, err := s.upstream.GetQuotes(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, quotes); err != nil {
		slog.WarnContext(ctx, "Failed to share quotes", "error", err)
	}
	return quotes, nil
}

func (s *SharedQuotes) publish(ctx context.Context, quotes map[domain.AssetID]domain.AssetQuote) error {
	if len(quotes) == 0 {
		return nil
	}

	fields := make(map[string]any, len(quotes))
	for id, q := range quotes {
		encoded, err := json.Marshal(sharedQuote{
			AssetID:      q.AssetID,
			PriceUSD:     q.PriceUSD.String(),
			Change24hPct: q.Change24hPct,
			FetchedAt:    q.FetchedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal quote %s: %w", id, err)
		}
		fields[string(id)] = encoded
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, sharedQuotesKey, fields)
		pipe.Expire(ctx, sharedQuotesKey, s.maxAge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish quotes: %w", err)
	}
	return nil
}

// read serves quotes published by the leaseholder. Missing or aged quotes
// fail the whole batch so the poller falls back to its own cache.
func (s *SharedQuotes) read(ctx context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = string(id)
	}

	values, err := s.rdb.HMGet(ctx, sharedQuotesKey, fields...).Result()
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: fmt.Errorf("read shared quotes: %w", err)}
	}

	now := s.clock.Now()
	quotes := make(map[domain.AssetID]domain.AssetQuote, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: fmt.Errorf("no shared quote for %s", ids[i])}
		}
		q, err := decodeSharedQuote(raw)
		if err != nil {
			return nil, &domain.ProviderError{Kind: domain.ProviderBadPayload, Err: fmt.Errorf("shared quote %s: %w", ids[i], err)}
		}
		if now.Sub(q.FetchedAt) > s.maxAge {
			return nil, &domain.ProviderError{Kind: domain.ProviderUnavailable, Err: fmt.Errorf("shared quote for %s is %s old", ids[i], now.Sub(q.FetchedAt))}
		}
		quotes[ids[i]] = q
	}
	return quotes, nil
}

func decodeSharedQuote(raw string) (domain.AssetQuote, error) {
	var sq sharedQuote
	if err := json.Unmarshal([]byte(raw), &sq); err != nil {
		return domain.AssetQuote{}, err
	}
	price, err := decimal.NewFromString(sq.PriceUSD)
	if err != nil {
		return domain.AssetQuote{}, fmt.Errorf("price: %w", err)
	}
	return domain.AssetQuote{
		AssetID:      sq.AssetID,
		PriceUSD:     price,
		Change24hPct: sq.Change24hPct,
		FetchedAt:    sq.FetchedAt,
	}, nil
}
