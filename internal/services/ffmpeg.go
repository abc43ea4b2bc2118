package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/proptour/internal/kenburns"
	"github.com/rs/zerolog/log"
)

// stderrTail is how much ffmpeg diagnostic output is kept for error messages.
const stderrTail = 4 << 10

// FFmpegService drives the ffmpeg and ffprobe binaries. It is the compositor's
// encoder and the narration pipeline's audio merger.
type FFmpegService struct {
	ffmpeg  string
	ffprobe string

	probed sync.Map // kenburns.EncoderConfig -> error
}

var _ kenburns.Encoder = (*FFmpegService)(nil)

func NewFFmpegService() *FFmpegService {
	return &FFmpegService{
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
	}
}

// CheckBinaries reports whether ffmpeg and ffprobe are on PATH.
func (s *FFmpegService) CheckBinaries() error {
	for _, bin := range []string{s.ffmpeg, s.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// Open starts an ffmpeg process reading raw RGBA frames on stdin. The codec is
// probed once per configuration with a tiny synthetic clip so an unusable
// configuration fails here instead of mid-render.
func (s *FFmpegService) Open(ctx context.Context, spec kenburns.OutputSpec, cfg kenburns.EncoderConfig) (kenburns.FrameSink, error) {
	if err := s.probe(ctx, cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.ffmpeg, encodeArgs(spec, cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start failed: %w", err)
	}

	log.Debug().
		Str("codec", cfg.Codec).
		Str("container", cfg.Container).
		Str("path", spec.Path).
		Msg("ffmpeg encoder opened")

	return &ffmpegSink{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		width:  spec.Width,
		height: spec.Height,
	}, nil
}

func (s *FFmpegService) probe(ctx context.Context, cfg kenburns.EncoderConfig) error {
	if cached, ok := s.probed.Load(cfg); ok {
		if cached == nil {
			return nil
		}
		return cached.(error)
	}

	cmd := exec.CommandContext(ctx, s.ffmpeg, probeArgs(cfg)...)
	var stderr tailBuffer
	stderr.max = stderrTail
	cmd.Stderr = &stderr

	var err error
	if runErr := cmd.Run(); runErr != nil {
		err = fmt.Errorf("codec %s unavailable: %w: %s", cfg.Codec, runErr, strings.TrimSpace(stderr.String()))
	}
	if ctx.Err() == nil {
		s.probed.Store(cfg, err)
	}
	return err
}

func probeArgs(cfg kenburns.EncoderConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi",
		"-i", "color=c=black:s=64x64:d=0.1",
		"-frames:v", "1",
		"-c:v", cfg.Codec,
		"-pix_fmt", cfg.PixelFormat,
		"-f", "null",
		"-",
	}
}

func encodeArgs(spec kenburns.OutputSpec, cfg kenburns.EncoderConfig) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", strconv.Itoa(spec.FPS),
		"-i", "-",
		"-an",
		"-c:v", cfg.Codec,
		"-pix_fmt", cfg.PixelFormat,
	}

	switch cfg.Codec {
	case "libx264":
		if spec.EncoderPreset != "" {
			args = append(args, "-preset", spec.EncoderPreset)
		}
		args = append(args, "-b:v", spec.Bitrate)
	case "mjpeg":
		args = append(args, "-q:v", "3")
	default:
		args = append(args, "-b:v", spec.Bitrate)
	}

	if cfg.Container == "mp4" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-y", spec.Path)
}

// ffmpegSink streams frames into a running ffmpeg process.
type ffmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	width  int
	height int
	closed bool
}

func (f *ffmpegSink) WriteFrame(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != f.width || b.Dy() != f.height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), f.width, f.height)
	}

	rowBytes := 4 * f.width
	if frame.Stride == rowBytes && b.Min == (image.Point{}) {
		if _, err := f.stdin.Write(frame.Pix[:rowBytes*f.height]); err != nil {
			return f.failure("write frame", err)
		}
		return nil
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := f.stdin.Write(frame.Pix[off : off+rowBytes]); err != nil {
			return f.failure("write frame", err)
		}
	}
	return nil
}

func (f *ffmpegSink) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	closeErr := f.stdin.Close()
	if err := f.cmd.Wait(); err != nil {
		return f.failure("encode", err)
	}
	return closeErr
}

func (f *ffmpegSink) failure(op string, err error) error {
	if msg := strings.TrimSpace(f.stderr.String()); msg != "" {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", op, err, msg)
	}
	return fmt.Errorf("ffmpeg %s failed: %w", op, err)
}

// MergeAudio muxes the narration track onto video without re-encoding the
// picture. video may be a local path or an http(s) URL.
func (s *FFmpegService) MergeAudio(ctx context.Context, video, audioPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	log.Info().Str("video", video).Str("audio", audioPath).Msg("merging narration onto video")

	cmd := exec.CommandContext(ctx, s.ffmpeg, mergeArgs(video, audioPath, outputPath)...)
	var stderr tailBuffer
	stderr.max = stderrTail
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg merge audio failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	d, err := s.Duration(ctx, outputPath)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("ffmpeg merge audio produced an empty file")
	}
	log.Debug().Dur("duration", d).Str("path", outputPath).Msg("narrated video written")
	return nil
}

func mergeArgs(video, audioPath, outputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", video,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
}

// Duration returns the container duration reported by ffprobe.
func (s *FFmpegService) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	output, err := exec.CommandContext(ctx, s.ffprobe, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbeDuration(string(output))
}

func parseProbeDuration(output string) (time.Duration, error) {
	var seconds float64
	if _, err := fmt.Sscanf(strings.TrimSpace(output), "%f", &seconds); err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(output), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; t.max > 0 && over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
