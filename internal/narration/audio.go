package narration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Track is mono 16-bit PCM.
type Track struct {
	Rate    int
	Samples []int
}

// Duration is the playing time of the track.
func (t *Track) Duration() time.Duration {
	if t.Rate <= 0 {
		return 0
	}
	return time.Duration(len(t.Samples)) * time.Second / time.Duration(t.Rate)
}

// samplesFor converts a duration to a whole number of samples at rate.
func samplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// DecodeWAV reads any PCM WAV, downmixes it to mono, rescales it to 16 bit
// and resamples it to rate.
func DecodeWAV(data []byte, rate int) (*Track, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV data: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, errors.New("WAV file has no sample rate")
	}

	if buf.Format.NumChannels > 1 {
		buf = convertToMono(buf)
	}

	samples := buf.Data
	if depth := int(dec.BitDepth); depth != bitDepth && depth > 0 {
		samples = rescaleDepth(samples, depth, bitDepth)
	}
	if buf.Format.SampleRate != rate {
		samples = resamplePCM(samples, buf.Format.SampleRate, rate)
	}
	return &Track{Rate: rate, Samples: samples}, nil
}

// EncodeWAV writes t as a 16-bit mono WAV.
func EncodeWAV(t *Track) ([]byte, error) {
	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, t.Rate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: t.Rate},
		Data:           t.Samples,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize WAV: %w", err)
	}
	return ws.buf, nil
}

// PCM16ToWAV wraps raw little-endian 16-bit mono PCM in a WAV container.
func PCM16ToWAV(pcm []byte, rate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return EncodeWAV(&Track{Rate: rate, Samples: samples})
}

// Fit pads t with trailing silence, or trims it, to exactly budget samples.
// Audio longer than budget+tolerance is rejected with ok=false.
func Fit(t *Track, budget, tolerance int) (ok bool) {
	n := len(t.Samples)
	if n > budget+tolerance {
		return false
	}
	if n > budget {
		t.Samples = t.Samples[:budget]
		return true
	}
	t.Samples = append(t.Samples, make([]int, budget-n)...)
	return true
}

// Concat joins tracks of the same rate in order.
func Concat(rate int, tracks ...*Track) *Track {
	total := 0
	for _, t := range tracks {
		total += len(t.Samples)
	}
	out := &Track{Rate: rate, Samples: make([]int, 0, total)}
	for _, t := range tracks {
		out.Samples = append(out.Samples, t.Samples...)
	}
	return out
}

// convertToMono averages channels.
func convertToMono(buffer *audio.IntBuffer) *audio.IntBuffer {
	numChannels := buffer.Format.NumChannels
	numSamples := len(buffer.Data) / numChannels
	monoData := make([]int, numSamples)

	for i := 0; i < numSamples; i++ {
		sum := 0
		for ch := 0; ch < numChannels; ch++ {
			sum += buffer.Data[i*numChannels+ch]
		}
		monoData[i] = sum / numChannels
	}

	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  buffer.Format.SampleRate,
		},
		Data:           monoData,
		SourceBitDepth: buffer.SourceBitDepth,
	}
}

// resamplePCM converts sample rate by linear interpolation.
func resamplePCM(pcmData []int, srcRate, dstRate int) []int {
	if len(pcmData) == 0 {
		return nil
	}
	ratio := float64(dstRate) / float64(srcRate)
	outputLength := int(float64(len(pcmData)) * ratio)
	output := make([]int, outputLength)

	for i := range output {
		srcIdx := float64(i) / ratio
		idx1 := int(srcIdx)
		if idx1 >= len(pcmData)-1 {
			output[i] = pcmData[len(pcmData)-1]
			continue
		}

		frac := srcIdx - float64(idx1)
		output[i] = int(float64(pcmData[idx1])*(1-frac) + float64(pcmData[idx1+1])*frac)
	}

	return output
}

func rescaleDepth(samples []int, from, to int) []int {
	out := make([]int, len(samples))
	shift := from - to
	for i, s := range samples {
		if shift > 0 {
			out[i] = s >> shift
		} else {
			out[i] = s << -shift
		}
	}
	if from == 8 {
		// 8-bit WAV is unsigned.
		for i := range out {
			out[i] -= 128 << (to - 8)
		}
	}
	return out
}

// writeSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("writeSeeker: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("writeSeeker: negative position")
	}
	w.pos = int(abs)
	return abs, nil
}
