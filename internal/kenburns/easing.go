// Package kenburns turns still photos into a motion video by sweeping a
// zooming crop window across each image and cross-fading between scenes.
package kenburns

import "fmt"

// Easing names a progress curve.
type Easing string

const (
	EaseInOut Easing = "ease_in_out"
	EaseIn    Easing = "ease_in"
	EaseOut   Easing = "ease_out"
	Linear    Easing = "linear"
)

// Apply maps linear progress t to eased progress. t is clamped to [0, 1].
func (e Easing) Apply(t float64) float64 {
	t = clamp01(t)
	switch e {
	case EaseInOut:
		return t * t * (3 - 2*t)
	case EaseIn:
		return t * t
	case EaseOut:
		return t * (2 - t)
	case Linear:
		return t
	default:
		panic(fmt.Sprintf("kenburns: unknown easing %q", string(e)))
	}
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
