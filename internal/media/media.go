// Package media validates uploaded photos and normalizes them into bounded,
// opaque JPEGs the compositor and the remote renderer can consume.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidImage = errors.New("invalid image")

// InvalidImageError names the rejected upload.
type InvalidImageError struct {
	Name   string
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image %q: %s", e.Name, e.Reason)
}

func (e *InvalidImageError) Unwrap() error { return ErrInvalidImage }

// Constraints bound what Prepare accepts and produces.
type Constraints struct {
	MaxBytes int64
	// MaxPixels caps the decoded source size. Compressed size says little
	// about the w*h*4 bytes decoding allocates.
	MaxPixels int64
	MaxWidth  int
	MaxHeight int
	Quality   int
}

func DefaultConstraints() Constraints {
	return Constraints{
		MaxBytes:  10 << 20,
		MaxPixels: 50_000_000,
		MaxWidth:  3840,
		MaxHeight: 2160,
		Quality:   85,
	}
}

var acceptedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/bmp",
}

// Upload is one raw image in a batch.
type Upload struct {
	Name string
	Data []byte
}

// PreparedImage is a normalized image written to the job's working directory.
type PreparedImage struct {
	Name          string
	Path          string
	Size          int64
	Width         int
	Height        int
	OriginalBytes int64
}

// Preparer writes prepared images under WorkDir/<job>/.
type Preparer struct {
	WorkDir     string
	Constraints Constraints
	// Concurrency bounds PrepareBatch; zero means 4.
	Concurrency int
}

func NewPreparer(workDir string, c Constraints) *Preparer {
	return &Preparer{WorkDir: workDir, Constraints: c, Concurrency: 4}
}

// Validate runs the checks that need no decoding beyond the header.
func (p *Preparer) Validate(name string, data []byte) error {
	if len(data) == 0 {
		return &InvalidImageError{Name: name, Reason: "empty file"}
	}
	if p.Constraints.MaxBytes > 0 && int64(len(data)) > p.Constraints.MaxBytes {
		return &InvalidImageError{
			Name:   name,
			Reason: fmt.Sprintf("file is %d bytes, limit is %d", len(data), p.Constraints.MaxBytes),
		}
	}
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), acceptedTypes...) {
		return &InvalidImageError{Name: name, Reason: "unsupported content type " + mt.String()}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &InvalidImageError{Name: name, Reason: "cannot read image header: " + err.Error()}
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return &InvalidImageError{Name: name, Reason: "image has no pixels"}
	}
	if max := p.Constraints.MaxPixels; max > 0 && int64(cfg.Width)*int64(cfg.Height) > max {
		return &InvalidImageError{
			Name:   name,
			Reason: fmt.Sprintf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, max),
		}
	}
	return nil
}

// Prepare validates, flattens, bounds and re-encodes one image and writes it
// to WorkDir/<jobID>/<fileName>.
func (p *Preparer) Prepare(ctx context.Context, jobID, fileName string, up Upload) (*PreparedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(up.Name, up.Data); err != nil {
		return nil, err
	}

	src, _, err := image.Decode(bytes.NewReader(up.Data))
	if err != nil {
		return nil, &InvalidImageError{Name: up.Name, Reason: "decode failed: " + err.Error()}
	}

	img := p.bound(flatten(src))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality()}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", up.Name, err)
	}

	dir := filepath.Join(p.WorkDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write prepared image: %w", err)
	}

	b := img.Bounds()
	ratio := float64(len(up.Data)) / float64(buf.Len())
	log.Debug().
		Str("job_id", jobID).
		Str("file", up.Name).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Int("original_bytes", len(up.Data)).
		Int("prepared_bytes", buf.Len()).
		Float64("compression_ratio", ratio).
		Msg("image prepared")

	return &PreparedImage{
		Name:          up.Name,
		Path:          path,
		Size:          int64(buf.Len()),
		Width:         b.Dx(),
		Height:        b.Dy(),
		OriginalBytes: int64(len(up.Data)),
	}, nil
}

// PrepareBatch prepares uploads concurrently. Results keep input order and
// the i-th image is stored as scene_<i+1>.jpg. The first failure cancels the rest.
func (p *Preparer) PrepareBatch(ctx context.Context, jobID string, uploads []Upload) ([]*PreparedImage, error) {
	out := make([]*PreparedImage, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, up := range uploads {
		g.Go(func() error {
			img, err := p.Prepare(gctx, jobID, SceneFileName(i), up)
			if err != nil {
				return err
			}
			out[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SceneFileName is the stored name of the i-th (0-based) scene image.
func SceneFileName(i int) string {
	return fmt.Sprintf("scene_%02d.jpg", i+1)
}

func (p *Preparer) quality() int {
	q := p.Constraints.Quality
	if q <= 0 || q > 100 {
		return 85
	}
	return q
}

// flatten composites any alpha or palette image onto white and returns an
// opaque RGBA image.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, stddraw.Src)
	stddraw.Draw(dst, dst.Bounds(), src, b.Min, stddraw.Over)
	return dst
}

// bound downscales img to fit MaxWidth x MaxHeight, keeping the aspect ratio.
// Images already within bounds are returned untouched.
func (p *Preparer) bound(img *image.RGBA) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	nw, nh := FitWithin(w, h, p.Constraints.MaxWidth, p.Constraints.MaxHeight)
	if nw == w && nh == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// FitWithin returns the largest size with w:h aspect that fits maxW x maxH,
// never larger than w x h. A non-positive bound is ignored.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1 {
		return w, h
	}
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
