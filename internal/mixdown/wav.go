package mixdown

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/MrWong99/chorus/pkg/audio"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte RIFF/WAVE header for 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(f audio.Format, dataSize uint32) wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.FrameSize()),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVWriter streams 16-bit PCM into a WAV file. The header is written with
// a zero data size up front and patched on Close, so callers never need the
// total length in advance.
type WAVWriter struct {
	f      *os.File
	bw     *bufio.Writer
	format audio.Format
	n      int64
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, f audio.Format) (*WAVWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("mixdown: create wav: %w", err)
	}
	w := &WAVWriter{f: file, bw: bufio.NewWriterSize(file, 64*1024), format: f}
	if err := binary.Write(w.bw, binary.LittleEndian, newWAVHeader(f, 0)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mixdown: write wav header: %w", err)
	}
	return w, nil
}

// Write appends raw PCM bytes.
func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	w.n += int64(n)
	return n, err
}

// DataSize returns the number of PCM bytes written so far.
func (w *WAVWriter) DataSize() int64 { return w.n }

// Close flushes buffered data, patches the header sizes and closes the file.
func (w *WAVWriter) Close() error {
	var errs []error
	if err := w.bw.Flush(); err != nil {
		errs = append(errs, err)
	}
	if w.n > math.MaxUint32-36 {
		errs = append(errs, fmt.Errorf("data size %d exceeds wav limit", w.n))
	} else if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		errs = append(errs, err)
	} else if err := binary.Write(w.f, binary.LittleEndian, newWAVHeader(w.format, uint32(w.n))); err != nil {
		errs = append(errs, err)
	}
	if err := w.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("mixdown: close wav: %w", err)
	}
	return nil
}

// WAVInfo describes a 16-bit PCM WAV file.
type WAVInfo struct {
	Format   audio.Format
	DataSize int64
}

// Duration returns the playback length of the data chunk.
func (i WAVInfo) Duration() time.Duration {
	return i.Format.Duration(i.DataSize)
}

// ReadWAVInfo reads and validates the canonical header from r.
func ReadWAVInfo(r io.Reader) (WAVInfo, error) {
	var h wavHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return WAVInfo{}, fmt.Errorf("mixdown: read wav header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return WAVInfo{}, errors.New("mixdown: invalid wav: missing RIFF header")
	case string(h.Format[:]) != "WAVE":
		return WAVInfo{}, errors.New("mixdown: invalid wav: missing WAVE format")
	case string(h.Subchunk1ID[:]) != "fmt ":
		return WAVInfo{}, errors.New("mixdown: invalid wav: missing fmt chunk")
	case string(h.Subchunk2ID[:]) != "data":
		return WAVInfo{}, errors.New("mixdown: invalid wav: missing data chunk")
	case h.AudioFormat != 1 || h.BitsPerSample != 16:
		return WAVInfo{}, fmt.Errorf("mixdown: unsupported wav encoding: format %d, %d bits", h.AudioFormat, h.BitsPerSample)
	}
	return WAVInfo{
		Format:   audio.Format{SampleRate: int(h.SampleRate), Channels: int(h.NumChannels)},
		DataSize: int64(h.Subchunk2Size),
	}, nil
}

// ReadWAVFile opens path and returns its header info.
func ReadWAVFile(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("mixdown: open wav: %w", err)
	}
	defer f.Close()
	return ReadWAVInfo(f)
}
