package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Color is the LED color a device should show for an asset.
type Color string

const (
	ColorRed   Color = "red"
	ColorGreen Color = "green"
	ColorBlue  Color = "blue"
	ColorOff   Color = "off"
)

// SignalKind is the classification behind a Color.
type SignalKind string

const (
	SignalDown     SignalKind = "down"
	SignalUp       SignalKind = "up"
	SignalInvested SignalKind = "invested"
	SignalNeutral  SignalKind = "neutral"
)

// Signal is derived per (user, asset) every cycle and never stored.
type Signal struct {
	AssetID      AssetID         `json:"asset_id"`
	Color        Color           `json:"led_color"`
	Kind         SignalKind      `json:"signal"`
	Change24hPct float64         `json:"change_24h"`
	PriceUSD     decimal.Decimal `json:"price"`
	Buzzer       bool            `json:"buzzer"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// CycleSnapshot is the per-user result of one cycle, rendered by the UI layer.
type CycleSnapshot struct {
	Cycle      uint64             `json:"cycle"`
	UserID     UserID             `json:"user_id"`
	Signals    map[AssetID]Signal `json:"signals"`
	Stale      bool               `json:"stale"`
	ComputedAt time.Time          `json:"computed_at"`
}
