package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/chorus/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusMaxFrameSize covers the longest Opus packet (120 ms).
	opusMaxFrameSize = opusFrameSize * 6
)

var _ audio.Decoder = (*OpusDecoder)(nil)

// OpusDecoder wraps a gopus decoder for a single participant stream. Each
// participant gets its own decoder to keep decoder state correct across
// consecutive packets.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates an Opus decoder producing [audio.CaptureFormat] PCM.
func NewOpusDecoder() (audio.Decoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved little-endian int16 PCM.
func (d *OpusDecoder) Decode(opus []byte) ([]byte, error) {
	if d.dec == nil {
		return nil, fmt.Errorf("discord: opus decode: decoder closed")
	}
	pcm, err := d.dec.Decode(opus, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Close releases the decoder. gopus frees its C state via finalizer, so
// dropping the reference is sufficient.
func (d *OpusDecoder) Close() error {
	d.dec = nil
	return nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
