// Package dsp implements the fixed-function audio kernels shared by the
// loopback and mic capture handlers: linear resample + channel remap,
// soft-clip, TPDF-dithered 16-bit quantization, plain 32-bit
// quantization, and running level metering. All functions here run on
// audio callback threads: no allocation on the steady-state path, no
// locking, no I/O.
package dsp

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"
	"unsafe"
)

// Format describes a canonical audio layout: sample rate plus channel
// count. All in-process audio outside the raw device callback is
// expressed as interleaved float32 samples in this layout.
type Format struct {
	SampleRate int
	Channels   int
}

// Resample performs linear-interpolation sample-rate conversion from
// src (laid out per srcFmt) to dst (laid out per dstFmt), returning the
// number of destination frames written. dst must be sized for at least
// the frame count implied by len(src) and the rate ratio; callers size
// scratch buffers up front so this never allocates.
func Resample(src []float32, srcFmt Format, dst []float32, dstFmt Format) int {
	srcFrames := len(src) / srcFmt.Channels
	if srcFrames == 0 {
		return 0
	}

	ratio := float64(srcFmt.SampleRate) / float64(dstFmt.SampleRate)
	dstFrames := len(dst) / dstFmt.Channels
	if ratio == 1.0 {
		dstFrames = srcFrames
	} else {
		want := int(float64(srcFrames) / ratio)
		if want < dstFrames {
			dstFrames = want
		}
	}

	// Resample on the source channel layout first (channel-agnostic time
	// axis), then remap channels below.
	lastSrcFrame := srcFrames - 1
	for f := 0; f < dstFrames; f++ {
		pos := float64(f) * ratio
		i0 := int(pos)
		if i0 > lastSrcFrame {
			i0 = lastSrcFrame
		}
		i1 := i0 + 1
		if i1 > lastSrcFrame {
			i1 = lastSrcFrame
		}
		t := float32(pos - float64(i0))

		remapFrame(src, i0, i1, t, srcFmt.Channels, dst, f, dstFmt.Channels)
	}

	return dstFrames
}

// remapFrame interpolates one frame at (i0, i1, t) in the source layout
// and writes it, channel-remapped, into dst at frame index dstFrame.
func remapFrame(src []float32, i0, i1 int, t float32, srcCh int, dst []float32, dstFrame, dstCh int) {
	srcBase0 := i0 * srcCh
	srcBase1 := i1 * srcCh
	dstBase := dstFrame * dstCh

	switch {
	case srcCh == 1 && dstCh == 1:
		dst[dstBase] = lerp(src[srcBase0], src[srcBase1], t)
	case srcCh == 1 && dstCh == 2:
		v := lerp(src[srcBase0], src[srcBase1], t)
		dst[dstBase] = v
		dst[dstBase+1] = v
	case srcCh == 2 && dstCh == 1:
		l := lerp(src[srcBase0], src[srcBase1], t)
		r := lerp(src[srcBase0+1], src[srcBase1+1], t)
		dst[dstBase] = (l + r) * 0.5
	case srcCh == 2 && dstCh == 2:
		dst[dstBase] = lerp(src[srcBase0], src[srcBase1], t)
		dst[dstBase+1] = lerp(src[srcBase0+1], src[srcBase1+1], t)
	default:
		// Extra destination channels clamp to the last available source channel.
		for c := 0; c < dstCh; c++ {
			sc := c
			if sc >= srcCh {
				sc = srcCh - 1
			}
			dst[dstBase+c] = lerp(src[srcBase0+sc], src[srcBase1+sc], t)
		}
	}
}

func lerp(a, b, t float32) float32 {
	return a + (b-a)*t
}

// SoftClip applies tanh limiting to samples whose magnitude exceeds
// unity, in place. Samples within [-1, 1] pass through unchanged.
func SoftClip(samples []float32) {
	for i, v := range samples {
		if v > 1 || v < -1 {
			c := float32(math.Tanh(float64(v)))
			if c > 1 {
				c = 1
			} else if c < -1 {
				c = -1
			}
			samples[i] = c
		}
	}
}

// SoftClipSample applies soft-clip to a single sample.
func SoftClipSample(v float32) float32 {
	if v <= 1 && v >= -1 {
		return v
	}
	c := float32(math.Tanh(float64(v)))
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

// dithRNG is a thread-local TPDF dither source: never shared across
// goroutines, seeded from the monotonic clock, goroutine-local
// pointer identity, and a fresh crypto/rand draw at first use.
type dithRNG struct {
	rng *rand.Rand
}

var dithPool = sync.Pool{
	New: func() any {
		return &dithRNG{}
	},
}

func newSeed() int64 {
	// Combine monotonic time with the address of a freshly allocated
	// value (a stand-in for thread identity, which Go does not expose)
	// and 8 bytes from crypto/rand, so no two callers seed identically
	// even if invoked in the same nanosecond.
	marker := new(byte)
	seed := time.Now().UnixNano() ^ int64(uintptr(unsafe.Pointer(marker)))
	var fresh [8]byte
	if _, err := cryptorand.Read(fresh[:]); err == nil {
		seed ^= int64(binary.LittleEndian.Uint64(fresh[:]))
	}
	return seed
}

// QuantizeDither16 converts float samples in [-1, 1] to little-endian
// 16-bit PCM with TPDF dither, writing 2*len(samples)
// bytes into dst (which must be pre-sized by the caller from the
// buffer pool). Returns the number of bytes written.
func QuantizeDither16(samples []float32, dst []byte) int {
	d := dithPool.Get().(*dithRNG)
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(newSeed()))
	}
	defer dithPool.Put(d)

	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		u1 := d.rng.Float64()
		u2 := d.rng.Float64()
		dither := float32(u1 - u2)
		scaled := float64(v)*32767.0 + float64(dither)
		q := int32(math.Round(scaled))
		if q > math.MaxInt16 {
			q = math.MaxInt16
		} else if q < math.MinInt16 {
			q = math.MinInt16
		}
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(int16(q)))
	}
	return len(samples) * 2
}

// QuantizeDither16Sample converts one float sample using a supplied
// dither draw (u1-u2), used by callers processing sample-at-a-time.
func QuantizeDither16Sample(v, ditherU1, ditherU2 float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	scaled := float64(v)*32767.0 + float64(ditherU1-ditherU2)
	q := int32(math.Round(scaled))
	if q > math.MaxInt16 {
		q = math.MaxInt16
	} else if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// Quantize32 converts float samples in [-1, 1] to little-endian 32-bit
// PCM without dither, via a 64-bit intermediate so +1.0 does not
// overflow. Returns the number of bytes written.
func Quantize32(samples []float32, dst []byte) int {
	const scale = float64(1<<31 - 1)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		scaled := int64(float64(v) * scale)
		if scaled > math.MaxInt32 {
			scaled = math.MaxInt32
		} else if scaled < math.MinInt32 {
			scaled = math.MinInt32
		}
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], uint32(int32(scaled)))
	}
	return len(samples) * 4
}

// Meter accumulates level statistics for one source (mic or system)
// over a metering window. Reset after each emission.
type Meter struct {
	Peak     float32
	SumSq    float64
	Count    int
	Clipped  bool
	LastEmit time.Time
}

// Accumulate folds a block of post-gain samples into the meter.
func (m *Meter) Accumulate(samples []float32) {
	for _, v := range samples {
		abs := v
		if abs < 0 {
			abs = -abs
		}
		if abs > m.Peak {
			m.Peak = abs
		}
		m.SumSq += float64(v) * float64(v)
		if abs > 1 {
			m.Clipped = true
		}
	}
	m.Count += len(samples)
}

// RMS returns the root-mean-square of the accumulated window.
func (m *Meter) RMS() float64 {
	if m.Count == 0 {
		return 0
	}
	return math.Sqrt(m.SumSq / float64(m.Count))
}

// Reset clears the accumulator for the next window, remembering the
// emission time.
func (m *Meter) Reset(at time.Time) {
	m.Peak = 0
	m.SumSq = 0
	m.Count = 0
	m.Clipped = false
	m.LastEmit = at
}

// Due reports whether the metering window has expired (>= window since
// last emission) and there is data to report.
func (m *Meter) Due(now time.Time, window time.Duration) bool {
	return m.Count > 0 && now.Sub(m.LastEmit) >= window
}
