package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func transparentImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 0})
		}
	}
	return img
}

func TestPrepareFlattensAlphaOntoWhite(t *testing.T) {
	p := NewPreparer(t.TempDir(), DefaultConstraints())
	data := encodePNG(t, transparentImage(40, 30))

	out, err := p.Prepare(context.Background(), "job", "scene_01.jpg", Upload{Name: "a.png", Data: data})
	require.NoError(t, err)

	f, err := os.Open(out.Path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)

	r, g, b, a := img.At(20, 15).RGBA()
	assert.EqualValues(t, 0xffff, a)
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestPrepareNeverExceedsBounds(t *testing.T) {
	c := DefaultConstraints()
	c.MaxWidth, c.MaxHeight = 64, 48
	p := NewPreparer(t.TempDir(), c)

	sizes := [][2]int{{640, 480}, {100, 20}, {20, 300}, {64, 48}, {10, 10}}
	for i, sz := range sizes {
		data := encodePNG(t, image.NewRGBA(image.Rect(0, 0, sz[0], sz[1])))
		out, err := p.Prepare(context.Background(), "job", SceneFileName(i), Upload{Name: "img.png", Data: data})
		require.NoError(t, err)
		assert.LessOrEqual(t, out.Width, 64, "size %v", sz)
		assert.LessOrEqual(t, out.Height, 48, "size %v", sz)
		if sz[0] <= 64 && sz[1] <= 48 {
			assert.Equal(t, sz[0], out.Width, "never upscale")
			assert.Equal(t, sz[1], out.Height, "never upscale")
		}
	}
}

func TestFitWithinPreservesAspect(t *testing.T) {
	w, h := FitWithin(4000, 3000, 3840, 2160)
	assert.Equal(t, 2880, w)
	assert.Equal(t, 2160, h)

	w, h = FitWithin(800, 600, 3840, 2160)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)
}

func TestValidateRejectsOversizeAndNonImages(t *testing.T) {
	c := DefaultConstraints()
	c.MaxBytes = 100
	p := NewPreparer(t.TempDir(), c)

	err := p.Validate("big.png", make([]byte, 101))
	require.ErrorIs(t, err, ErrInvalidImage)
	var invalid *InvalidImageError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "big.png", invalid.Name)

	err = p.Validate("notes.txt", []byte("just some text"))
	assert.ErrorIs(t, err, ErrInvalidImage)

	err = p.Validate("empty.jpg", nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

// pngHeader returns a PNG that declares w x h pixels but carries no image
// data, which is all DecodeConfig reads.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 0 // greyscale

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestValidateRejectsHugeDimensions(t *testing.T) {
	p := NewPreparer(t.TempDir(), DefaultConstraints())

	data := pngHeader(20000, 20000)
	require.Less(t, len(data), 100)

	err := p.Validate("bomb.png", data)
	require.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "20000x20000")

	_, err = p.Prepare(context.Background(), "job", "scene_01.jpg", Upload{Name: "bomb.png", Data: data})
	assert.ErrorIs(t, err, ErrInvalidImage)

	assert.NoError(t, p.Validate("ok.png", pngHeader(4000, 3000)))
}

func TestPrepareBatchKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	p := NewPreparer(dir, DefaultConstraints())

	var uploads []Upload
	for i := 0; i < 5; i++ {
		uploads = append(uploads, Upload{Name: "img.png", Data: encodePNG(t, image.NewRGBA(image.Rect(0, 0, 10+i, 10)))})
	}

	out, err := p.PrepareBatch(context.Background(), "job-1", uploads)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, img := range out {
		assert.Equal(t, filepath.Join(dir, "job-1", SceneFileName(i)), img.Path)
		assert.Equal(t, 10+i, img.Width)
		assert.Positive(t, img.Size)
	}
}

func TestPrepareBatchFailsOnBadImage(t *testing.T) {
	p := NewPreparer(t.TempDir(), DefaultConstraints())
	uploads := []Upload{
		{Name: "ok.png", Data: encodePNG(t, image.NewRGBA(image.Rect(0, 0, 4, 4)))},
		{Name: "bad.bin", Data: []byte{0x00, 0x01, 0x02}},
	}
	_, err := p.PrepareBatch(context.Background(), "job", uploads)
	assert.ErrorIs(t, err, ErrInvalidImage)
}
