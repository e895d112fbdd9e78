package domain

import (
	"context"
	"time"
)

// UserID identifies a user of the hub. Users are owned by the external account system.
type UserID int64

// Output personalization bounds, enforced at update time.
const (
	MinThresholdPercent = 0.0 // exclusive
	MaxThresholdPercent = 100.0

	MinPercent = 0
	MaxPercent = 100

	MinBuzzerDurationMs = 100
	MaxBuzzerDurationMs = 10000

	MinLEDBlinkMs = 100
	MaxLEDBlinkMs = 2000
)

// Defaults applied to newly created profiles.
const (
	DefaultThresholdPercent = 5.0
	DefaultLEDBrightnessPct = 100
	DefaultBuzzerVolumePct  = 50
	DefaultBuzzerDurationMs = 2000
	DefaultLEDBlinkMs       = 500
)

// OutputSettings is the per-user device personalization.
type OutputSettings struct {
	LEDEnabled       bool `json:"enable_led"`
	BuzzerEnabled    bool `json:"enable_buzzer"`
	LEDBrightnessPct int  `json:"led_brightness"`
	BuzzerVolumePct  int  `json:"buzzer_volume"`
	BuzzerDurationMs int  `json:"buzzer_duration"`
	LEDBlinkMs       int  `json:"led_blink_speed"`
}

func DefaultOutputSettings() OutputSettings {
	return OutputSettings{
		LEDEnabled:       true,
		BuzzerEnabled:    true,
		LEDBrightnessPct: DefaultLEDBrightnessPct,
		BuzzerVolumePct:  DefaultBuzzerVolumePct,
		BuzzerDurationMs: DefaultBuzzerDurationMs,
		LEDBlinkMs:       DefaultLEDBlinkMs,
	}
}

// UserMonitorProfile holds everything the hub needs to compute and render
// signals for one user. Invested assets are not required to be selected.
type UserMonitorProfile struct {
	UserID           UserID
	ThresholdPercent float64
	SelectedAssets   AssetSet
	InvestedAssets   AssetSet
	Output           OutputSettings
	UpdatedAt        time.Time
}

func NewProfile(userID UserID) UserMonitorProfile {
	return UserMonitorProfile{
		UserID:           userID,
		ThresholdPercent: DefaultThresholdPercent,
		SelectedAssets:   NewAssetSet(),
		InvestedAssets:   NewAssetSet(),
		Output:           DefaultOutputSettings(),
	}
}

// Clone returns a deep copy so that callers may hold it across a cycle.
func (p UserMonitorProfile) Clone() UserMonitorProfile {
	p.SelectedAssets = p.SelectedAssets.Clone()
	p.InvestedAssets = p.InvestedAssets.Clone()
	return p
}

// MonitoredAssets returns the assets signals are computed for.
func (p UserMonitorProfile) MonitoredAssets() AssetSet {
	return p.SelectedAssets.Union(p.InvestedAssets)
}

// Active reports whether the profile monitors anything at all.
func (p UserMonitorProfile) Active() bool {
	return len(p.SelectedAssets) > 0 || len(p.InvestedAssets) > 0
}

// SelectionAction is the kind of per-asset selection change.
type SelectionAction string

const (
	SelectionAdd    SelectionAction = "add"
	SelectionUpdate SelectionAction = "update"
	SelectionRemove SelectionAction = "remove"
)

// SelectionChange adds, updates or removes one asset from a profile.
type SelectionChange struct {
	Action   SelectionAction `json:"action"`
	AssetID  AssetID         `json:"asset_id"`
	Invested bool            `json:"is_invested"`
}

// ProfilePatch is a partial update. Nil fields are left unchanged.
type ProfilePatch struct {
	ThresholdPercent *float64          `json:"threshold,omitempty"`
	SelectedAssets   []AssetID         `json:"selected_assets,omitempty"`
	InvestedAssets   []AssetID         `json:"invested_assets,omitempty"`
	LEDEnabled       *bool             `json:"enable_led,omitempty"`
	BuzzerEnabled    *bool             `json:"enable_buzzer,omitempty"`
	LEDBrightnessPct *int              `json:"led_brightness,omitempty"`
	BuzzerVolumePct  *int              `json:"buzzer_volume,omitempty"`
	BuzzerDurationMs *int              `json:"buzzer_duration,omitempty"`
	LEDBlinkMs       *int              `json:"led_blink_speed,omitempty"`
	Selections       []SelectionChange `json:"selections,omitempty"`
}

// TouchesOutput reports whether the patch changes device personalization.
func (p ProfilePatch) TouchesOutput() bool {
	return p.LEDEnabled != nil || p.BuzzerEnabled != nil || p.LEDBrightnessPct != nil ||
		p.BuzzerVolumePct != nil || p.BuzzerDurationMs != nil || p.LEDBlinkMs != nil
}

// ProfileRepository persists profiles. It performs no validation.
type ProfileRepository interface {
	Get(ctx context.Context, userID UserID) (UserMonitorProfile, error)
	Save(ctx context.Context, profile UserMonitorProfile) error
	List(ctx context.Context) ([]UserMonitorProfile, error)
}

// ProfileStore is the settings contract consumed by the dispatcher and the UI layer.
type ProfileStore interface {
	ActiveProfiles(ctx context.Context) ([]UserMonitorProfile, error)
	GetProfile(ctx context.Context, userID UserID) (UserMonitorProfile, error)
	UpdateProfile(ctx context.Context, userID UserID, patch ProfilePatch) (UserMonitorProfile, error)
}
