package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pscheid92/signalhub/internal/domain"
)

// ErrMalformedMessage is returned for device frames that cannot be acted on.
// Such frames are logged and dropped; the session is unaffected.
var ErrMalformedMessage = errors.New("malformed device message")

// Inbound frame types.
const (
	TypeConnect    = "esp32_connect"
	TypeHeartbeat  = "heartbeat"
	TypeDisconnect = "esp32_disconnect"
)

// Outbound frame types.
const (
	TypeMarketUpdate  = "market_update"
	TypeLEDControl    = "led_control"
	TypeBuzzerControl = "buzzer_control"
	TypeUserSettings  = "user_settings"
)

// Inbound is a decoded device frame.
type Inbound struct {
	Type     string
	DeviceID string
	Status   string
	UserID   *domain.UserID
	Report   domain.HeartbeatReport
}

type inboundWire struct {
	Type         string                 `json:"type"`
	DeviceID     string                 `json:"device_id"`
	Status       string                 `json:"status"`
	UserID       *flexibleUserID        `json:"user_id"`
	Uptime       int64                  `json:"uptime"`
	Signal       string                 `json:"signal"`
	Coin         string                 `json:"coin"`
	LEDs         *domain.LEDState       `json:"leds"`
	UserSettings *domain.OutputSettings `json:"user_settings"`
}

// flexibleUserID accepts both 7 and "7"; firmware builds differ.
type flexibleUserID domain.UserID

func (f *flexibleUserID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("user_id: %w", err)
	}
	*f = flexibleUserID(n)
	return nil
}

// DecodeInbound parses one text frame. Every failure wraps ErrMalformedMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch w.Type {
	case TypeConnect, TypeHeartbeat, TypeDisconnect:
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}

	mac := NormalizeMAC(w.DeviceID)
	if mac == "" {
		return Inbound{}, fmt.Errorf("%w: %s without device_id", ErrMalformedMessage, w.Type)
	}

	in := Inbound{
		Type:     w.Type,
		DeviceID: mac,
		Status:   w.Status,
		Report: domain.HeartbeatReport{
			UptimeSeconds: w.Uptime,
			Signal:        w.Signal,
			Asset:         domain.AssetID(w.Coin),
			Output:        w.UserSettings,
		},
	}
	if w.UserID != nil {
		id := domain.UserID(*w.UserID)
		in.UserID = &id
	}
	if w.LEDs != nil {
		in.Report.LEDs = *w.LEDs
	}
	return in, nil
}

// NormalizeMAC canonicalizes a device id so that "aa:bb:.." and "AA-BB-.." match.
func NormalizeMAC(id string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(id), "-", ":"))
}

type signalFrame struct {
	LEDColor     domain.Color           `json:"led_color"`
	Signal       domain.SignalKind      `json:"signal"`
	Change24h    float64                `json:"change_24h"`
	Price        float64                `json:"price"`
	Buzzer       bool                   `json:"buzzer"`
	UserSettings *domain.OutputSettings `json:"user_settings,omitempty"`
}

type marketUpdateFrame struct {
	Type    string                         `json:"type"`
	Cycle   uint64                         `json:"cycle"`
	Signals map[domain.AssetID]signalFrame `json:"signals"`
}

// EncodeMarketUpdate builds the market_update frame for one user and cycle.
// The same bytes are sent to every device of that user.
func EncodeMarketUpdate(cycle uint64, signals map[domain.AssetID]domain.Signal, output domain.OutputSettings) ([]byte, error) {
	frame := marketUpdateFrame{
		Type:    TypeMarketUpdate,
		Cycle:   cycle,
		Signals: make(map[domain.AssetID]signalFrame, len(signals)),
	}
	for id, s := range signals {
		frame.Signals[id] = signalFrame{
			LEDColor:     s.Color,
			Signal:       s.Kind,
			Change24h:    s.Change24hPct,
			Price:        s.PriceUSD.InexactFloat64(),
			Buzzer:       s.Buzzer,
			UserSettings: &output,
		}
	}
	return json.Marshal(frame)
}

type userSettingsFrame struct {
	Type string `json:"type"`
	domain.OutputSettings
}

// EncodeUserSettings builds the idempotent user_settings command.
func EncodeUserSettings(output domain.OutputSettings) ([]byte, error) {
	return json.Marshal(userSettingsFrame{Type: TypeUserSettings, OutputSettings: output})
}

func EncodeLEDControl(color domain.Color) ([]byte, error) {
	switch color {
	case domain.ColorRed, domain.ColorGreen, domain.ColorBlue, domain.ColorOff:
	default:
		return nil, fmt.Errorf("unknown led color %q", color)
	}
	return json.Marshal(struct {
		Type  string       `json:"type"`
		Color domain.Color `json:"color"`
	}{TypeLEDControl, color})
}

func EncodeBuzzerControl(trigger bool) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Trigger bool   `json:"trigger"`
	}{TypeBuzzerControl, trigger})
}
