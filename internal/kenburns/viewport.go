package kenburns

import "math"

// Rect is a sub-pixel rectangle in buffered-image coordinates.
type Rect struct {
	X, Y, W, H float64
}

// Contains reports whether r lies entirely inside a w x h image.
func (r Rect) Contains(w, h int) bool {
	const eps = 1e-9
	return r.X >= -eps && r.Y >= -eps &&
		r.X+r.W <= float64(w)+eps && r.Y+r.H <= float64(h)+eps
}

// Viewport returns the crop window for a frame of frameW x frameH at the
// given zoom, centred on focus (normalized) inside a bufW x bufH image and
// clamped so it never leaves the image. A window larger than the image is
// shrunk with its aspect ratio kept.
func Viewport(frameW, frameH, bufW, bufH int, focus Point, zoom float64) Rect {
	if zoom <= 0 || math.IsNaN(zoom) {
		zoom = 1
	}
	w := float64(frameW) / zoom
	h := float64(frameH) / zoom
	if s := math.Min(float64(bufW)/w, float64(bufH)/h); s < 1 {
		w *= s
		h *= s
	}

	x := clamp01(focus.X)*float64(bufW) - w/2
	y := clamp01(focus.Y)*float64(bufH) - h/2
	x = math.Max(0, math.Min(x, float64(bufW)-w))
	y = math.Max(0, math.Min(y, float64(bufH)-h))

	return Rect{X: x, Y: y, W: w, H: h}
}
