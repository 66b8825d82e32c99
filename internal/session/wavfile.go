package session

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavWriter adapts an incrementally-written raw-PCM byte stream (what
// the disk writer produces) onto go-audio/wav's IntBuffer-oriented
// Encoder, so the RIFF header is finalized once at Close rather than
// needing the total length up front.
type wavWriter struct {
	file       *os.File
	enc        *wav.Encoder
	bitDepth   int
	numChans   int
	sampleRate int
	scratch    []int
}

const wavAudioFormatPCM = 1

func newWAVWriter(path string, sampleRate, numChans, bitDepth int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", path, err)
	}
	enc := wav.NewEncoder(f, sampleRate, bitDepth, numChans, wavAudioFormatPCM)
	return &wavWriter{
		file:       f,
		enc:        enc,
		bitDepth:   bitDepth,
		numChans:   numChans,
		sampleRate: sampleRate,
	}, nil
}

// Write implements io.Writer over raw little-endian PCM bytes at the
// writer's configured bit depth.
func (w *wavWriter) Write(p []byte) (int, error) {
	bytesPerSample := w.bitDepth / 8
	if bytesPerSample <= 0 || len(p)%bytesPerSample != 0 {
		return 0, fmt.Errorf("session: wav write: %d bytes not a multiple of %d-byte samples", len(p), bytesPerSample)
	}
	n := len(p) / bytesPerSample
	if cap(w.scratch) < n {
		w.scratch = make([]int, n)
	}
	w.scratch = w.scratch[:n]

	switch w.bitDepth {
	case 16:
		for i := 0; i < n; i++ {
			v := int16(uint16(p[i*2]) | uint16(p[i*2+1])<<8)
			w.scratch[i] = int(v)
		}
	case 32:
		for i := 0; i < n; i++ {
			v := int32(uint32(p[i*4]) | uint32(p[i*4+1])<<8 | uint32(p[i*4+2])<<16 | uint32(p[i*4+3])<<24)
			w.scratch[i] = int(v)
		}
	default:
		return 0, fmt.Errorf("session: unsupported wav bit depth %d", w.bitDepth)
	}

	buf := &audio.IntBuffer{
		Data:           w.scratch,
		Format:         &audio.Format{SampleRate: w.sampleRate, NumChannels: w.numChans},
		SourceBitDepth: w.bitDepth,
	}
	if err := w.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("session: wav encode: %w", err)
	}
	return len(p), nil
}

// Close finalizes the RIFF header and closes the underlying file.
func (w *wavWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("session: wav finalize: %w", err)
	}
	return w.file.Close()
}
