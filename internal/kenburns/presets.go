package kenburns

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/image/draw"
)

// Preset bundles every encoder and timing parameter for one quality level.
type Preset struct {
	Name          string        `json:"name"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	FPS           int           `json:"fps"`
	Bitrate       string        `json:"bitrate"`
	EncoderPreset string        `json:"encoder_preset"`
	SceneDuration time.Duration `json:"scene_duration"`
	Transition    time.Duration `json:"transition"`
	Fade          time.Duration `json:"fade"`
	HighQuality   bool          `json:"high_quality_filter"`
	Vignette      bool          `json:"vignette"`
	Enhance       bool          `json:"enhance"`
	// MotionScale multiplies camera travel; zero means 1.
	MotionScale float64 `json:"-"`
}

var presets = []Preset{
	{
		Name: "draft", Width: 854, Height: 480, FPS: 24,
		Bitrate: "1500k", EncoderPreset: "ultrafast",
		SceneDuration: 3 * time.Second, Transition: 500 * time.Millisecond, Fade: 250 * time.Millisecond,
	},
	{
		Name: "medium", Width: 1280, Height: 720, FPS: 30,
		Bitrate: "4000k", EncoderPreset: "fast",
		SceneDuration: 4 * time.Second, Transition: 800 * time.Millisecond, Fade: 500 * time.Millisecond,
		Vignette: true,
	},
	{
		Name: "high", Width: 1920, Height: 1080, FPS: 30,
		Bitrate: "8000k", EncoderPreset: "medium",
		SceneDuration: 5 * time.Second, Transition: time.Second, Fade: 750 * time.Millisecond,
		HighQuality: true, Vignette: true, Enhance: true,
	},
	{
		Name: "premium", Width: 1920, Height: 1080, FPS: 60,
		Bitrate: "12000k", EncoderPreset: "slow",
		SceneDuration: 5 * time.Second, Transition: 1200 * time.Millisecond, Fade: time.Second,
		HighQuality: true, Vignette: true, Enhance: true,
	},
}

// DefaultPreset is used when a job names none.
const DefaultPreset = "high"

// Presets returns a copy of the preset table.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// PresetByName looks a preset up. Empty selects DefaultPreset.
func PresetByName(name string) (Preset, error) {
	if name == "" {
		name = DefaultPreset
	}
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("unknown quality preset %q", name)
}

// Interpolator returns the resampling filter for the preset.
func (p Preset) Interpolator() draw.Interpolator {
	if p.HighQuality {
		return draw.CatmullRom
	}
	return draw.ApproxBiLinear
}

// Frames converts a duration to a whole number of frames.
func (p Preset) Frames(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * float64(p.FPS)))
}

// WithSceneDuration overrides the per-scene duration, e.g. from job settings.
func (p Preset) WithSceneDuration(d time.Duration) Preset {
	if d > 0 {
		p.SceneDuration = d
	}
	return p
}

// WithTransition overrides the crossfade length.
func (p Preset) WithTransition(d time.Duration) Preset {
	if d >= 0 {
		p.Transition = d
	}
	return p
}

// WithEffectSpeed scales camera travel, e.g. from job settings.
func (p Preset) WithEffectSpeed(speed float64) Preset {
	if speed > 0 {
		p.MotionScale = speed
	}
	return p
}
