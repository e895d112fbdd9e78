package settings

import (
	"fmt"
	"math"
	"strings"

	"github.com/pscheid92/signalhub/internal/domain"
)

// Violation describes one rejected field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidSettingsError is returned synchronously from updates; it matches domain.ErrInvalidSettings.
type InvalidSettingsError struct {
	Violations []Violation
}

func (e *InvalidSettingsError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

func (e *InvalidSettingsError) Unwrap() error { return domain.ErrInvalidSettings }

// Validate checks every bound of the profile and returns all violations at once.
func Validate(p domain.UserMonitorProfile) error {
	var v []Violation
	add := func(field, format string, args ...any) {
		v = append(v, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if math.IsNaN(p.ThresholdPercent) || p.ThresholdPercent <= domain.MinThresholdPercent || p.ThresholdPercent > domain.MaxThresholdPercent {
		add("threshold", "must be greater than %v and at most %v", domain.MinThresholdPercent, domain.MaxThresholdPercent)
	}

	o := p.Output
	if o.LEDBrightnessPct < domain.MinPercent || o.LEDBrightnessPct > domain.MaxPercent {
		add("led_brightness", "must be within [%d, %d]", domain.MinPercent, domain.MaxPercent)
	}
	if o.BuzzerVolumePct < domain.MinPercent || o.BuzzerVolumePct > domain.MaxPercent {
		add("buzzer_volume", "must be within [%d, %d]", domain.MinPercent, domain.MaxPercent)
	}
	if o.BuzzerDurationMs < domain.MinBuzzerDurationMs || o.BuzzerDurationMs > domain.MaxBuzzerDurationMs {
		add("buzzer_duration", "must be within [%d, %d] ms", domain.MinBuzzerDurationMs, domain.MaxBuzzerDurationMs)
	}
	if o.LEDBlinkMs < domain.MinLEDBlinkMs || o.LEDBlinkMs > domain.MaxLEDBlinkMs {
		add("led_blink_speed", "must be within [%d, %d] ms", domain.MinLEDBlinkMs, domain.MaxLEDBlinkMs)
	}

	for id := range p.MonitoredAssets() {
		if strings.TrimSpace(string(id)) == "" {
			add("assets", "asset id must not be empty")
			break
		}
	}

	if len(v) > 0 {
		return &InvalidSettingsError{Violations: v}
	}
	return nil
}

// Apply returns a copy of p with the patch applied. The result is not validated.
func Apply(p domain.UserMonitorProfile, patch domain.ProfilePatch) (domain.UserMonitorProfile, error) {
	out := p.Clone()

	if patch.ThresholdPercent != nil {
		out.ThresholdPercent = *patch.ThresholdPercent
	}
	if patch.SelectedAssets != nil {
		out.SelectedAssets = domain.NewAssetSet(patch.SelectedAssets...)
	}
	if patch.InvestedAssets != nil {
		out.InvestedAssets = domain.NewAssetSet(patch.InvestedAssets...)
	}
	if patch.LEDEnabled != nil {
		out.Output.LEDEnabled = *patch.LEDEnabled
	}
	if patch.BuzzerEnabled != nil {
		out.Output.BuzzerEnabled = *patch.BuzzerEnabled
	}
	if patch.LEDBrightnessPct != nil {
		out.Output.LEDBrightnessPct = *patch.LEDBrightnessPct
	}
	if patch.BuzzerVolumePct != nil {
		out.Output.BuzzerVolumePct = *patch.BuzzerVolumePct
	}
	if patch.BuzzerDurationMs != nil {
		out.Output.BuzzerDurationMs = *patch.BuzzerDurationMs
	}
	if patch.LEDBlinkMs != nil {
		out.Output.LEDBlinkMs = *patch.LEDBlinkMs
	}

	for _, change := range patch.Selections {
		if err := applySelection(&out, change); err != nil {
			return domain.UserMonitorProfile{}, err
		}
	}

	return out, nil
}

func applySelection(p *domain.UserMonitorProfile, change domain.SelectionChange) error {
	id := change.AssetID
	switch change.Action {
	case domain.SelectionAdd, domain.SelectionUpdate:
		p.SelectedAssets.Add(id)
		if change.Invested {
			p.InvestedAssets.Add(id)
		} else {
			delete(p.InvestedAssets, id)
		}
	case domain.SelectionRemove:
		delete(p.SelectedAssets, id)
		delete(p.InvestedAssets, id)
	default:
		return &InvalidSettingsError{Violations: []Violation{{Field: "selections", Message: fmt.Sprintf("unknown action %q", change.Action)}}}
	}
	return nil
}
