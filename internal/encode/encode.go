// Package encode dispatches the post-session MP3 encode pass: reads
// the completed mix WAV file, converts samples to 16-bit on the fly,
// and feeds them to an external encoder process in bounded chunks,
// exactly as the teacher shells out to ffmpeg for mixing and playback
// (internal/mix/mixer.go, internal/play/player.go) rather than linking
// a codec library — no MP3 encoder exists anywhere in the pack.
package encode

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/duetcapture/internal/events"
)

const chunkBytes = 64 * 1024 // spec: feed the encoder in <=64 KiB chunks

// Options configures one post-session encode pass.
type Options struct {
	MixWAVPath  string
	MP3Path     string
	BitrateKbps int // caller-validated to [64, 320]
}

// ffmpegPath resolves the external encoder binary. The command below is
// built from ffmpeg-specific flags (raw PCM over stdin, "-b:a" bitrate),
// so only ffmpeg is looked up — lame takes a different flag set
// entirely and is not a drop-in fallback here.
func ffmpegPath() (string, error) {
	p, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("encode: no ffmpeg binary found in PATH")
	}
	return p, nil
}

// Run performs the encode pass, emitting EncodingProgress events on
// bus as it goes. On ctx cancellation, the encoder subprocess is
// killed and a partial MP3 file is left in place — the caller does
// not need to clean it up, per spec §6's cooperative-cancel contract.
func Run(ctx context.Context, opts Options, bus *events.Bus) error {
	if opts.BitrateKbps < 64 || opts.BitrateKbps > 320 {
		return fmt.Errorf("encode: bitrate %dkbps outside [64,320]", opts.BitrateKbps)
	}

	info, err := os.Stat(opts.MixWAVPath)
	if err != nil {
		return fmt.Errorf("encode: stat mix file: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("encode: mix file is empty")
	}

	f, err := os.Open(opts.MixWAVPath)
	if err != nil {
		return fmt.Errorf("encode: open mix file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return fmt.Errorf("encode: %s is not a valid WAV file", opts.MixWAVPath)
	}

	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)

	binPath, err := ffmpegPath()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binPath,
		"-y",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-i", "pipe:0",
		"-b:a", fmt.Sprintf("%dk", opts.BitrateKbps),
		opts.MP3Path,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encode: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encode: start encoder: %w", err)
	}

	framesPerChunk := chunkBytes / 2 / channels // 16-bit output, interleaved
	buf := &audio.IntBuffer{
		Data:   make([]int, framesPerChunk*channels),
		Format: &audio.Format{SampleRate: sampleRate, NumChannels: channels},
	}
	out := make([]byte, 0, chunkBytes)

	var bytesRead int64
	total := info.Size()

	for {
		select {
		case <-ctx.Done():
			_ = stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return ctx.Err()
		default:
		}

		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			_ = stdin.Close()
			_ = cmd.Wait()
			return fmt.Errorf("encode: read mix samples: %w", err)
		}
		if n == 0 {
			break
		}

		out = out[:0]
		for i := 0; i < n; i++ {
			// buf.Data holds samples at the file's native bit depth
			// (32-bit here, so full ±2^31 scale); shift down to 16-bit
			// range instead of merely clamping, or everything above
			// about -90dBFS saturates to ±32767.
			v := buf.Data[i] >> 16
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(int16(v)))
			out = append(out, b[0], b[1])
		}

		if _, err := stdin.Write(out); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("encode: write to encoder stdin: %w", err)
		}

		bytesRead += int64(n * (int(decoder.BitDepth) / 8))
		percent := float64(bytesRead) / float64(total) * 100
		if percent > 100 {
			percent = 100
		}
		if bus != nil {
			bus.PublishEncodingProgress(events.EncodingProgress{Percent: percent})
		}
	}

	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("encode: encoder process failed: %w", err)
	}
	if bus != nil {
		bus.PublishEncodingProgress(events.EncodingProgress{Percent: 100})
	}
	return nil
}
