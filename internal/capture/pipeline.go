// Package capture implements the loopback and mic audio-device
// callback handlers: the pipeline that turns raw device blocks into
// metered, gained, mixed, quantized bytes on the disk-writer queue.
// Handlers never allocate, suspend, or perform file I/O directly on
// the callback thread; the only blocking primitive they touch is the
// disk writer's non-blocking TryEnqueue.
package capture

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/audiolibrelab/duetcapture/internal/bufpool"
	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/dsp"
	"github.com/audiolibrelab/duetcapture/internal/events"
	"github.com/audiolibrelab/duetcapture/internal/ringbuffer"
)

// Format is the canonical (sample_rate, channel_count) pair.
type Format = dsp.Format

const (
	meterWindow          = 50 * time.Millisecond
	loopbackSilenceAfter = 200 * time.Millisecond
	diagLogEveryNBlocks  = 50
)

// MixBitDepth selects the output bit depth for the mix file.
type MixBitDepth int

const (
	Mix32Bit MixBitDepth = 32
	Mix16Bit MixBitDepth = 16
)

// Counters tracks session-scoped diagnostic counts surfaced to the
// controller and to /metrics.
type Counters struct {
	Underruns  atomic.Int64
	PeakRingBl atomic.Int64
}

// Config bundles the pieces a Pipeline needs from its owning session:
// the canonical format, initial gains, ring, pool, writer, and event
// bus. All are owned elsewhere; the Pipeline borrows them by
// reference, per the "no cyclic ownership" design note.
type Config struct {
	Canonical   Format
	MixBitDepth MixBitDepth
	LoopGain    *Gain
	MicGain     *Gain
	Ring        *ringbuffer.Ring
	Pool        *bufpool.Pool
	Writer      *diskwriter.Writer
	Bus         *events.Bus
	Log         *slog.Logger
}

// Pipeline holds the two audio-device callback handlers for one
// monitoring/recording session. It is constructed once monitor() has
// opened both devices and lives across the Monitoring->Recording
// transition; Arm/Disarm toggle whether blocks are written to disk
// without tearing down the devices or losing metering continuity.
type Pipeline struct {
	canonical   Format
	mixBitDepth MixBitDepth
	loopGain    *Gain
	micGain     *Gain
	ring        *ringbuffer.Ring
	pool        atomic.Pointer[bufpool.Pool]
	writer      atomic.Pointer[diskwriter.Writer]
	bus         *events.Bus
	log         *slog.Logger

	counters Counters

	systemMeter dsp.Meter
	micMeter    dsp.Meter

	lastLoopbackTick atomic.Int64
	loopbackBlocks   atomic.Int64

	// Scratch buffers below are touched exclusively by the callback
	// thread of their owning device; miniaudio never invokes a
	// device's Data callback re-entrantly or concurrently with itself.
	loopFloat  []float32
	loopSys    []float32
	loopMic    []float32
	loopMix    []float32
	loopSysOut []byte
	loopMixOut []byte

	micFloat    []float32
	micCanon    []float32
	micMetered  []float32
	micMixFloat []float32
	micOut      []byte
	micZeroOut  []byte
	micMixOut   []byte
}

// NewPipeline creates a Pipeline. nowNanos is the monotonic-ish timestamp
// (nanoseconds) recorded as the initial loopback liveness tick so the
// mic handler does not treat a freshly-opened session as silent before
// the loopback device delivers its first block.
func NewPipeline(cfg Config, nowNanos int64) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		canonical:   cfg.Canonical,
		mixBitDepth: cfg.MixBitDepth,
		loopGain:    cfg.LoopGain,
		micGain:     cfg.MicGain,
		ring:        cfg.Ring,
		bus:         cfg.Bus,
		log:         log,
	}
	if cfg.Pool != nil {
		p.pool.Store(cfg.Pool)
	}
	if cfg.Writer != nil {
		p.writer.Store(cfg.Writer)
	}
	p.lastLoopbackTick.Store(nowNanos)
	return p
}

// Counters exposes session diagnostic counters for the controller.
func (p *Pipeline) Counters() *Counters {
	return &p.counters
}

// Arm makes the pipeline start writing metered, mixed blocks to pool
// and writer. Before Arm, callbacks still run and publish
// LevelChanged events but produce no disk-writer jobs, matching
// monitor()'s preview-without-recording state.
func (p *Pipeline) Arm(pool *bufpool.Pool, writer *diskwriter.Writer) {
	p.pool.Store(pool)
	p.writer.Store(writer)
}

// Disarm reverts the pipeline to preview-only: metering keeps running
// but no further blocks reach the disk writer.
func (p *Pipeline) Disarm() {
	p.pool.Store(nil)
	p.writer.Store(nil)
}

// Recording reports whether the pipeline is currently armed.
func (p *Pipeline) Recording() bool {
	return p.pool.Load() != nil && p.writer.Load() != nil
}

func ensureFloat(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func ensureBytes(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

func decodeF32LE(src []byte, dst []float32) {
	for i := range dst {
		bits := uint32(src[i*4]) | uint32(src[i*4+1])<<8 | uint32(src[i*4+2])<<16 | uint32(src[i*4+3])<<24
		dst[i] = math.Float32frombits(bits)
	}
}

// LoopbackCallbacks returns the malgo callbacks for the loopback
// device.
func (p *Pipeline) LoopbackCallbacks() malgo.DeviceCallbacks {
	return malgo.DeviceCallbacks{
		Data: p.onLoopbackData,
		Stop: p.onLoopbackStop,
	}
}

// MicCallbacks returns the malgo callbacks for the microphone device,
// given the mic device's own negotiated native format (its sample
// rate may differ from canonical; channel count is what was
// requested at open time).
func (p *Pipeline) MicCallbacks(nativeFormat Format) malgo.DeviceCallbacks {
	m := &micBinding{p: p, native: nativeFormat}
	return malgo.DeviceCallbacks{
		Data: m.onData,
		Stop: p.onMicStop,
	}
}

func (p *Pipeline) onLoopbackStop() {
	p.log.Warn("loopback device stopped unexpectedly")
}

func (p *Pipeline) onMicStop() {
	p.log.Warn("mic device stopped unexpectedly")
}
