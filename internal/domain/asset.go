package domain

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// AssetID is the provider identifier of a monitored cryptocurrency (e.g. "bitcoin").
type AssetID string

// AssetSet is an unordered set of asset identifiers.
type AssetSet map[AssetID]struct{}

func NewAssetSet(ids ...AssetID) AssetSet {
	s := make(AssetSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s AssetSet) Has(id AssetID) bool {
	_, ok := s[id]
	return ok
}

func (s AssetSet) Add(id AssetID) { s[id] = struct{}{} }

// Union returns a new set with the members of s and other.
func (s AssetSet) Union(other AssetSet) AssetSet {
	out := make(AssetSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Covers reports whether every member of other is in s.
func (s AssetSet) Covers(other AssetSet) bool {
	for id := range other {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

func (s AssetSet) Clone() AssetSet {
	return s.Union(nil)
}

// Sorted returns the members in lexical order, for deterministic requests and output.
func (s AssetSet) Sorted() []AssetID {
	ids := make([]AssetID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AssetQuote is one provider observation. Immutable once fetched.
type AssetQuote struct {
	AssetID      AssetID
	PriceUSD     decimal.Decimal
	Change24hPct float64
	FetchedAt    time.Time
}

// Asset is an entry in the catalog of assets users may select.
type Asset struct {
	ID     AssetID `json:"id" toml:"id" yaml:"id"`
	Name   string  `json:"name" toml:"name" yaml:"name"`
	Symbol string  `json:"symbol" toml:"symbol" yaml:"symbol"`
}

// MarketProvider is the external market-data source.
// Implementations return *ProviderError on failure.
type MarketProvider interface {
	GetQuotes(ctx context.Context, ids []AssetID) (map[AssetID]AssetQuote, error)
}
