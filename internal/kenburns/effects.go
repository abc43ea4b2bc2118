package kenburns

import (
	"image"
	"math"
)

const (
	vignetteStrength = 0.35
	vignetteFloor    = 0.7

	enhanceContrast   = 1.08
	enhanceSaturation = 1.1

	// Peak darkening of a crossfade at its midpoint.
	transitionDip = 0.15
)

// vignetteMask holds a per-pixel brightness multiplier in 0..256 fixed point.
type vignetteMask struct {
	w, h   int
	factor []uint16
}

func newVignetteMask(w, h int) *vignetteMask {
	m := &vignetteMask{w: w, h: h, factor: make([]uint16, w*h)}
	cx, cy := float64(w-1)/2, float64(h-1)/2
	maxD := math.Hypot(cx, cy)
	if maxD == 0 {
		maxD = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy) / maxD
			f := math.Max(vignetteFloor, 1-vignetteStrength*d*d)
			m.factor[y*w+x] = uint16(math.Round(f * 256))
		}
	}
	return m
}

func (m *vignetteMask) apply(img *image.RGBA) {
	for y := 0; y < m.h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+m.w*4]
		for x := 0; x < m.w; x++ {
			f := uint32(m.factor[y*m.w+x])
			i := x * 4
			row[i] = uint8(uint32(row[i]) * f >> 8)
			row[i+1] = uint8(uint32(row[i+1]) * f >> 8)
			row[i+2] = uint8(uint32(row[i+2]) * f >> 8)
		}
	}
}

// contrastLUT applies a mild S-shaped contrast boost around mid-grey.
var contrastLUT = func() [256]uint8 {
	var lut [256]uint8
	for i := range lut {
		v := (float64(i)-128)*enhanceContrast + 128
		lut[i] = clampByte(v)
	}
	return lut
}()

// enhance boosts contrast through the LUT then pushes saturation away from luma.
func enhance(img *image.RGBA) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			r := float64(contrastLUT[row[i]])
			g := float64(contrastLUT[row[i+1]])
			bl := float64(contrastLUT[row[i+2]])
			l := 0.299*r + 0.587*g + 0.114*bl
			row[i] = clampByte(l + (r-l)*enhanceSaturation)
			row[i+1] = clampByte(l + (g-l)*enhanceSaturation)
			row[i+2] = clampByte(l + (bl-l)*enhanceSaturation)
		}
	}
}

// crossfade writes the blend of a and b at progress t into dst. The blend
// weight is eased and frames near the midpoint dip slightly toward black.
func crossfade(dst, a, b *image.RGBA, t float64) {
	alpha := EaseInOut.Apply(t)
	dip := 1 - transitionDip*(1-math.Abs(2*alpha-1))
	wa := (1 - alpha) * dip
	wb := alpha * dip
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = clampByte(float64(a.Pix[i])*wa + float64(b.Pix[i])*wb)
		dst.Pix[i+1] = clampByte(float64(a.Pix[i+1])*wa + float64(b.Pix[i+1])*wb)
		dst.Pix[i+2] = clampByte(float64(a.Pix[i+2])*wa + float64(b.Pix[i+2])*wb)
		dst.Pix[i+3] = 0xff
	}
}

// fade scales src by level (0 black, 1 unchanged) into dst.
func fade(dst, src *image.RGBA, level float64) {
	level = clamp01(level)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = clampByte(float64(src.Pix[i]) * level)
		dst.Pix[i+1] = clampByte(float64(src.Pix[i+1]) * level)
		dst.Pix[i+2] = clampByte(float64(src.Pix[i+2]) * level)
		dst.Pix[i+3] = 0xff
	}
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
