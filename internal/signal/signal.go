package signal

import (
	"math"
	"time"

	"github.com/pscheid92/signalhub/internal/domain"
)

// DefaultBuzzerTrigger is the absolute 24h change (percent) above which the buzzer fires.
// It is independent of the user's colour threshold.
const DefaultBuzzerTrigger = 5.0

// Classify applies the colour policy in priority order: invested, down, up, neutral.
// Boundaries are inclusive: a change equal to ±threshold counts as crossing.
func Classify(change24hPct, thresholdPercent float64, invested bool) (domain.Color, domain.SignalKind) {
	switch {
	case invested:
		return domain.ColorBlue, domain.SignalInvested
	case change24hPct <= -thresholdPercent:
		return domain.ColorRed, domain.SignalDown
	case change24hPct >= thresholdPercent:
		return domain.ColorGreen, domain.SignalUp
	default:
		return domain.ColorOff, domain.SignalNeutral
	}
}

// BuzzerTriggered reports whether |change| strictly exceeds trigger.
// NaN never triggers.
func BuzzerTriggered(change24hPct, trigger float64) bool {
	return math.Abs(change24hPct) > trigger
}

// Computer holds the server-wide buzzer trigger. The zero value uses DefaultBuzzerTrigger.
type Computer struct {
	BuzzerTrigger float64
}

func (c Computer) trigger() float64 {
	if c.BuzzerTrigger <= 0 {
		return DefaultBuzzerTrigger
	}
	return c.BuzzerTrigger
}

// Compute derives the signal for one quote under one profile.
func (c Computer) Compute(quote domain.AssetQuote, profile domain.UserMonitorProfile, now time.Time) domain.Signal {
	color, kind := Classify(quote.Change24hPct, profile.ThresholdPercent, profile.InvestedAssets.Has(quote.AssetID))
	return domain.Signal{
		AssetID:      quote.AssetID,
		Color:        color,
		Kind:         kind,
		Change24hPct: quote.Change24hPct,
		PriceUSD:     quote.PriceUSD,
		Buzzer:       BuzzerTriggered(quote.Change24hPct, c.trigger()),
		ComputedAt:   now,
	}
}

// ComputeAll computes signals for every monitored asset of the profile that has a quote.
// Assets without a quote are omitted rather than guessed.
func (c Computer) ComputeAll(quotes map[domain.AssetID]domain.AssetQuote, profile domain.UserMonitorProfile, now time.Time) map[domain.AssetID]domain.Signal {
	monitored := profile.MonitoredAssets()
	signals := make(map[domain.AssetID]domain.Signal, len(monitored))
	for id := range monitored {
		quote, ok := quotes[id]
		if !ok {
			continue
		}
		signals[id] = c.Compute(quote, profile, now)
	}
	return signals
}
