package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProfileNotFound   = errors.New("profile not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session is disconnected")
	ErrInvalidSettings   = errors.New("invalid settings")
	ErrStaleData         = errors.New("market data is stale")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// ProviderErrorKind classifies failures of the external market-data provider.
type ProviderErrorKind int

const (
	ProviderUnavailable ProviderErrorKind = iota
	ProviderRateLimited
	ProviderTimeout
	ProviderBadPayload
)

func (k ProviderErrorKind) String() string {
	switch k {
	case ProviderRateLimited:
		return "rate_limited"
	case ProviderTimeout:
		return "timeout"
	case ProviderBadPayload:
		return "bad_payload"
	default:
		return "unavailable"
	}
}

// ProviderError is returned by MarketProvider implementations. All kinds are
// transient from the poller's point of view.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return "provider " + e.Kind.String()
	}
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
