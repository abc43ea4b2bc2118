package kenburns

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"strings"
)

var (
	ErrNoEncoder   = errors.New("no usable video encoder")
	ErrEmptyOutput = errors.New("encoder produced an empty file")
)

// EncoderConfig is one codec/container combination.
type EncoderConfig struct {
	Codec       string `json:"codec"`
	Container   string `json:"container"`
	PixelFormat string `json:"pixel_format"`
}

// FallbackConfigs is tried in order until one opens.
var FallbackConfigs = []EncoderConfig{
	{Codec: "libx264", Container: "mp4", PixelFormat: "yuv420p"},
	{Codec: "libopenh264", Container: "mp4", PixelFormat: "yuv420p"},
	{Codec: "mpeg4", Container: "mp4", PixelFormat: "yuv420p"},
	{Codec: "mjpeg", Container: "avi", PixelFormat: "yuvj420p"},
}

// OutputSpec is what the compositor asks an encoder to produce.
type OutputSpec struct {
	Path          string
	Width         int
	Height        int
	FPS           int
	Bitrate       string
	EncoderPreset string
}

// FrameSink receives frames in presentation order.
type FrameSink interface {
	WriteFrame(frame *image.RGBA) error
	// Close flushes and finalizes the file.
	Close() error
}

// Encoder opens a sink for one configuration. Open must fail fast when the
// configuration is unusable on this host.
type Encoder interface {
	Open(ctx context.Context, spec OutputSpec, cfg EncoderConfig) (FrameSink, error)
}

// outputPath swaps base's extension for the container's.
func outputPath(base string, cfg EncoderConfig) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + cfg.Container
}
