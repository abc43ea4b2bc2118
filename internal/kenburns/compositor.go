package kenburns

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// BufferFactor is the headroom, relative to the frame, the camera moves within.
const BufferFactor = 1.4

// Scene is one prepared photo. A zero Duration uses the preset's.
type Scene struct {
	ImagePath string
	Duration  time.Duration
}

// Result describes a finished render.
type Result struct {
	Path     string
	Encoder  EncoderConfig
	Frames   int
	Duration time.Duration
	Bytes    int64
}

// Compositor renders scenes into a single video.
type Compositor struct {
	Encoder Encoder
	// Configs overrides FallbackConfigs.
	Configs []EncoderConfig
}

func NewCompositor(enc Encoder) *Compositor {
	return &Compositor{Encoder: enc}
}

// ExpectedFrames is the frame count Render emits for the given scenes.
func ExpectedFrames(p Preset, scenes []Scene) int {
	if len(scenes) == 0 {
		return 0
	}
	total := 2*p.Frames(p.Fade) + (len(scenes)-1)*p.Frames(p.Transition)
	for _, s := range scenes {
		total += sceneFrames(p, s)
	}
	return total
}

func sceneFrames(p Preset, s Scene) int {
	d := s.Duration
	if d <= 0 {
		d = p.SceneDuration
	}
	n := p.Frames(d)
	if n < 1 {
		n = 1
	}
	return n
}

// Render composes scenes with style movements and writes the video to
// outBase, whose extension is replaced by the chosen container's.
func (c *Compositor) Render(ctx context.Context, scenes []Scene, preset Preset, style Style, outBase string) (*Result, error) {
	if len(scenes) == 0 {
		return nil, errors.New("kenburns: no scenes to render")
	}
	if preset.Width <= 0 || preset.Height <= 0 || preset.FPS <= 0 {
		return nil, fmt.Errorf("kenburns: invalid preset %q", preset.Name)
	}

	sink, cfg, path, err := c.open(ctx, preset, outBase)
	if err != nil {
		return nil, err
	}

	r := newRenderer(preset)
	frames, renderErr := r.run(ctx, scenes, style, sink)
	closeErr := sink.Close()
	if renderErr != nil {
		os.Remove(path)
		return nil, renderErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("finalize %s: %w", cfg.Codec, closeErr)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, path)
	}

	res := &Result{
		Path:     path,
		Encoder:  cfg,
		Frames:   frames,
		Duration: time.Duration(float64(frames) / float64(preset.FPS) * float64(time.Second)),
		Bytes:    info.Size(),
	}
	log.Info().
		Str("path", path).
		Str("codec", cfg.Codec).
		Int("frames", frames).
		Dur("duration", res.Duration).
		Int64("bytes", res.Bytes).
		Msg("ken burns render complete")
	return res, nil
}

func (c *Compositor) open(ctx context.Context, preset Preset, outBase string) (FrameSink, EncoderConfig, string, error) {
	configs := c.Configs
	if len(configs) == 0 {
		configs = FallbackConfigs
	}

	var errs []error
	for _, cfg := range configs {
		path := outputPath(outBase, cfg)
		sink, err := c.Encoder.Open(ctx, OutputSpec{
			Path:          path,
			Width:         preset.Width,
			Height:        preset.Height,
			FPS:           preset.FPS,
			Bitrate:       preset.Bitrate,
			EncoderPreset: preset.EncoderPreset,
		}, cfg)
		if err == nil {
			return sink, cfg, path, nil
		}
		log.Warn().Err(err).Str("codec", cfg.Codec).Str("container", cfg.Container).Msg("encoder unavailable, trying next")
		errs = append(errs, fmt.Errorf("%s/%s: %w", cfg.Codec, cfg.Container, err))
	}
	return nil, EncoderConfig{}, "", fmt.Errorf("%w: %w", ErrNoEncoder, errors.Join(errs...))
}

// renderer owns the per-render scratch buffers.
type renderer struct {
	p        Preset
	filter   draw.Interpolator
	vignette *vignetteMask
	bufW     int
	bufH     int
	frame    *image.RGBA
	out      *image.RGBA
	frames   int
}

func newRenderer(p Preset) *renderer {
	r := &renderer{
		p:      p,
		filter: p.Interpolator(),
		bufW:   int(math.Round(float64(p.Width) * BufferFactor)),
		bufH:   int(math.Round(float64(p.Height) * BufferFactor)),
		frame:  image.NewRGBA(image.Rect(0, 0, p.Width, p.Height)),
		out:    image.NewRGBA(image.Rect(0, 0, p.Width, p.Height)),
	}
	if p.Vignette {
		r.vignette = newVignetteMask(p.Width, p.Height)
	}
	return r
}

func (r *renderer) run(ctx context.Context, scenes []Scene, style Style, sink FrameSink) (int, error) {
	fadeFrames := r.p.Frames(r.p.Fade)
	transFrames := r.p.Frames(r.p.Transition)

	var prevLast *image.RGBA
	for i, sc := range scenes {
		if err := ctx.Err(); err != nil {
			return r.frames, err
		}

		buf, err := r.load(sc.ImagePath)
		if err != nil {
			return r.frames, fmt.Errorf("scene %d: %w", i+1, err)
		}

		n := sceneFrames(r.p, sc)
		move := MovementFor(style, i, time.Duration(float64(n)/float64(r.p.FPS)*float64(time.Second))).Scaled(r.p.MotionScale)

		first := r.sample(buf, move, 0)
		if i == 0 {
			for k := 0; k < fadeFrames; k++ {
				fade(r.out, first, float64(k)/float64(fadeFrames))
				if err := r.emit(sink, r.out); err != nil {
					return r.frames, err
				}
			}
		} else {
			for k := 0; k < transFrames; k++ {
				crossfade(r.out, prevLast, first, float64(k+1)/float64(transFrames+1))
				if err := r.emit(sink, r.out); err != nil {
					return r.frames, err
				}
			}
		}

		for k := 0; k < n; k++ {
			var t float64
			if n > 1 {
				t = float64(k) / float64(n-1)
			}
			frame := r.sample(buf, move, t)
			if err := r.emit(sink, frame); err != nil {
				return r.frames, err
			}
		}
		prevLast = cloneRGBA(r.frame)
	}

	for k := 0; k < fadeFrames; k++ {
		fade(r.out, prevLast, 1-float64(k+1)/float64(fadeFrames))
		if err := r.emit(sink, r.out); err != nil {
			return r.frames, err
		}
	}
	return r.frames, nil
}

// load decodes a scene image and cover-scales it to the buffered size,
// centre-cropping whatever overflows.
func (r *renderer) load(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	sb := src.Bounds()
	crop := coverCrop(sb, r.bufW, r.bufH)
	buf := image.NewRGBA(image.Rect(0, 0, r.bufW, r.bufH))
	r.filter.Scale(buf, buf.Bounds(), src, crop, draw.Src, nil)
	return buf, nil
}

// coverCrop returns the largest centred rectangle of src with aspect w:h.
func coverCrop(src image.Rectangle, w, h int) image.Rectangle {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	target := float64(w) / float64(h)
	cw, ch := sw, sh
	if sw/sh > target {
		cw = sh * target
	} else {
		ch = sw / target
	}
	x0 := src.Min.X + int(math.Round((sw-cw)/2))
	y0 := src.Min.Y + int(math.Round((sh-ch)/2))
	return image.Rect(x0, y0, x0+int(math.Round(cw)), y0+int(math.Round(ch)))
}

// sample renders the frame at linear progress t into r.frame.
func (r *renderer) sample(buf *image.RGBA, move CameraMovement, t float64) *image.RGBA {
	focus, zoom := move.At(t)
	vp := Viewport(r.p.Width, r.p.Height, r.bufW, r.bufH, focus, zoom)

	sx := float64(r.p.Width) / vp.W
	sy := float64(r.p.Height) / vp.H
	s2d := f64.Aff3{
		sx, 0, -vp.X * sx,
		0, sy, -vp.Y * sy,
	}
	r.filter.Transform(r.frame, s2d, buf, buf.Bounds(), draw.Src, nil)

	if r.p.Enhance {
		enhance(r.frame)
	}
	if r.vignette != nil {
		r.vignette.apply(r.frame)
	}
	return r.frame
}

// emit forces every frame to the configured geometry before writing it.
func (r *renderer) emit(sink FrameSink, frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != r.p.Width || b.Dy() != r.p.Height {
		log.Warn().Int("width", b.Dx()).Int("height", b.Dy()).Msg("frame geometry mismatch, resampling")
		fixed := image.NewRGBA(image.Rect(0, 0, r.p.Width, r.p.Height))
		draw.ApproxBiLinear.Scale(fixed, fixed.Bounds(), frame, b, draw.Src, nil)
		frame = fixed
	}
	if err := sink.WriteFrame(frame); err != nil {
		return fmt.Errorf("write frame %d: %w", r.frames, err)
	}
	r.frames++
	return nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
