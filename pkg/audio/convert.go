package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Format describes interleaved little-endian 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the fixed format every participant file is written in.
var CaptureFormat = Format{SampleRate: 48000, Channels: 2}

// TimelineFormat is the mono format used for transcription-oriented output.
var TimelineFormat = Format{SampleRate: 48000, Channels: 1}

// FrameSize is the number of bytes in one sample frame (all channels).
func (f Format) FrameSize() int {
	return f.Channels * 2
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playback duration of n bytes of PCM. Trailing bytes
// that do not form a complete frame are ignored.
func (f Format) Duration(n int64) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / int64(f.FrameSize())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the frame-aligned byte count covering d. Negative durations
// yield zero.
func (f Format) Bytes(d time.Duration) int64 {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return frames * int64(f.FrameSize())
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter normalises PCM chunks from one format to another. It logs a
// warning the first time it sees misaligned data.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	From, To      Format
	warnedCorrupt sync.Once
}

// Convert converts pcm from c.From to c.To. If the formats match, pcm is
// returned unchanged (zero allocation). Misaligned input yields nil.
// Conversion order: resample first, then channel convert.
func (c *Converter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
				"format", c.From.String(),
			)
		})
		return nil
	}
	if c.From == c.To {
		return pcm
	}

	if c.From.SampleRate != c.To.SampleRate {
		if c.From.Channels == 1 {
			pcm = ResampleMono16(pcm, c.From.SampleRate, c.To.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, c.From.SampleRate, c.To.SampleRate)
		}
	}

	switch {
	case c.From.Channels == 1 && c.To.Channels == 2:
		pcm = MonoToStereo(pcm)
	case c.From.Channels == 2 && c.To.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// Silence returns d worth of zeroed PCM in format f.
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.Bytes(d))
}

// Accumulate adds the int16 samples in pcm to acc. Only
// min(len(acc), len(pcm)/2) samples are added.
func Accumulate(acc []int32, pcm []byte) {
	n := min(len(acc), len(pcm)/2)
	for i := range n {
		acc[i] += int32(sampleAt(pcm, i*2))
	}
}

// Pack writes acc into dst as little-endian int16, clamping each sample.
// It returns the number of bytes written.
func Pack(dst []byte, acc []int32) int {
	n := min(len(acc), len(dst)/2)
	for i := range n {
		s := clamp16(acc[i])
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n * 2
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frameSize := channels * 2
	srcFrames := len(pcm) / frameSize
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := sampleAt(pcm, srcIdx*frameSize+ch*2)
			s1 := sampleAt(pcm, next*frameSize+ch*2)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			o := i*frameSize + ch*2
			out[o] = byte(v)
			out[o+1] = byte(v >> 8)
		}
	}
	return out
}

func sampleAt(pcm []byte, off int) int16 {
	return int16(pcm[off]) | int16(pcm[off+1])<<8
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}
