package kenburns

import (
	"fmt"
	"math"
	"time"
)

// Point is a normalized position in the buffered image; (0.5, 0.5) is the centre.
type Point struct {
	X, Y float64
}

// CameraMovement describes one scene's motion. Values are immutable once built.
type CameraMovement struct {
	Name       string
	StartFocus Point
	EndFocus   Point
	StartZoom  float64
	EndZoom    float64
	Duration   time.Duration
	Easing     Easing
}

// At returns the focus and zoom at linear progress t ∈ [0, 1].
func (m CameraMovement) At(t float64) (Point, float64) {
	e := m.Easing.Apply(t)
	focus := Point{
		X: lerp(m.StartFocus.X, m.EndFocus.X, e),
		Y: lerp(m.StartFocus.Y, m.EndFocus.Y, e),
	}
	return focus, lerp(m.StartZoom, m.EndZoom, e)
}

// Style selects a movement pool.
type Style string

const (
	StyleCinematic Style = "cinematic"
	StyleDynamic   Style = "dynamic"
	StyleGentle    Style = "gentle"
)

var center = Point{0.5, 0.5}

// Pools are ordered; scene i uses pool[i mod len(pool)].
var movementPools = map[Style][]CameraMovement{
	StyleCinematic: {
		{Name: "zoom_in", StartFocus: center, EndFocus: center, StartZoom: 1.0, EndZoom: 1.3, Easing: EaseInOut},
		{Name: "pan_right", StartFocus: Point{0.35, 0.5}, EndFocus: Point{0.65, 0.5}, StartZoom: 1.15, EndZoom: 1.15, Easing: EaseInOut},
		{Name: "zoom_out", StartFocus: center, EndFocus: center, StartZoom: 1.3, EndZoom: 1.0, Easing: EaseInOut},
		{Name: "pan_left", StartFocus: Point{0.65, 0.5}, EndFocus: Point{0.35, 0.5}, StartZoom: 1.15, EndZoom: 1.15, Easing: EaseInOut},
		{Name: "zoom_in_pan_up", StartFocus: Point{0.5, 0.6}, EndFocus: Point{0.5, 0.4}, StartZoom: 1.05, EndZoom: 1.3, Easing: EaseInOut},
	},
	StyleDynamic: {
		{Name: "zoom_in_pan_right", StartFocus: Point{0.3, 0.5}, EndFocus: Point{0.7, 0.45}, StartZoom: 1.0, EndZoom: 1.45, Easing: EaseIn},
		{Name: "zoom_out_pan_left", StartFocus: Point{0.7, 0.55}, EndFocus: Point{0.3, 0.5}, StartZoom: 1.45, EndZoom: 1.0, Easing: EaseOut},
		{Name: "pan_down", StartFocus: Point{0.5, 0.3}, EndFocus: Point{0.5, 0.7}, StartZoom: 1.25, EndZoom: 1.25, Easing: EaseInOut},
		{Name: "zoom_in", StartFocus: center, EndFocus: Point{0.55, 0.45}, StartZoom: 1.0, EndZoom: 1.5, Easing: EaseIn},
		{Name: "pan_up", StartFocus: Point{0.5, 0.7}, EndFocus: Point{0.5, 0.3}, StartZoom: 1.25, EndZoom: 1.25, Easing: EaseInOut},
		{Name: "zoom_in_pan_left", StartFocus: Point{0.7, 0.5}, EndFocus: Point{0.3, 0.5}, StartZoom: 1.1, EndZoom: 1.4, Easing: EaseOut},
	},
	StyleGentle: {
		{Name: "drift_in", StartFocus: center, EndFocus: center, StartZoom: 1.0, EndZoom: 1.12, Easing: Linear},
		{Name: "drift_right", StartFocus: Point{0.45, 0.5}, EndFocus: Point{0.55, 0.5}, StartZoom: 1.08, EndZoom: 1.08, Easing: Linear},
		{Name: "drift_out", StartFocus: center, EndFocus: center, StartZoom: 1.12, EndZoom: 1.0, Easing: Linear},
		{Name: "drift_left", StartFocus: Point{0.55, 0.5}, EndFocus: Point{0.45, 0.5}, StartZoom: 1.08, EndZoom: 1.08, Easing: Linear},
	},
}

// ParseStyle validates a style name. Empty selects cinematic.
func ParseStyle(s string) (Style, error) {
	if s == "" {
		return StyleCinematic, nil
	}
	if _, ok := movementPools[Style(s)]; !ok {
		return "", fmt.Errorf("unknown style %q", s)
	}
	return Style(s), nil
}

// Styles lists the known styles.
func Styles() []Style {
	return []Style{StyleCinematic, StyleDynamic, StyleGentle}
}

// MovementFor picks the movement for scene index from the style's pool.
// The choice depends only on (style, index) so renders are reproducible.
func MovementFor(style Style, index int, d time.Duration) CameraMovement {
	pool, ok := movementPools[style]
	if !ok {
		pool = movementPools[StyleCinematic]
	}
	if index < 0 {
		index = -index
	}
	m := pool[index%len(pool)]
	m.Duration = d
	return m
}

// maxZoom bounds scaled movements; past it the crop upsamples visibly.
const maxZoom = 2.0

// Scaled multiplies the zoom and pan travel by speed while keeping the
// opening framing. A speed of 1 (or a non-positive one) returns m unchanged.
func (m CameraMovement) Scaled(speed float64) CameraMovement {
	if speed <= 0 || speed == 1 {
		return m
	}
	m.EndZoom = math.Max(1, math.Min(maxZoom, m.StartZoom+(m.EndZoom-m.StartZoom)*speed))
	m.EndFocus = Point{
		X: clamp01(m.StartFocus.X + (m.EndFocus.X-m.StartFocus.X)*speed),
		Y: clamp01(m.StartFocus.Y + (m.EndFocus.Y-m.StartFocus.Y)*speed),
	}
	return m
}
