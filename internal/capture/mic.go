package capture

import (
	"time"

	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/dsp"
	"github.com/audiolibrelab/duetcapture/internal/events"
)

// micBinding closes over the mic device's negotiated native format so
// Pipeline.onMicData can resample into canonical without the format
// living on the shared Pipeline (loopback and mic devices can differ).
type micBinding struct {
	p      *Pipeline
	native Format
}

func (m *micBinding) onData(_, input []byte, framecount uint32) {
	m.p.onMicData(input, framecount, m.native)
}

// onMicData is invoked by malgo when a block of microphone bytes is
// available. Steps follow the loopback-silence-aware ring policy: push
// into the ring normally, but clear it (never replay stale audio) once
// the loopback source has gone quiet for longer than the silence
// threshold, and in that state also synthesize a mic-only system/mix
// pair so a mic-only session still produces a coherent trio of files.
func (p *Pipeline) onMicData(input []byte, framecount uint32, native Format) {
	now := time.Now()

	nativeCh := native.Channels
	bytesPerFrame := nativeCh * 4
	frames := len(input) / bytesPerFrame
	if frames > int(framecount) {
		frames = int(framecount)
	}
	nativeN := frames * nativeCh
	if nativeN == 0 {
		return
	}

	p.micFloat = ensureFloat(p.micFloat, nativeN)
	decodeF32LE(input[:nativeN*4], p.micFloat)

	canonCh := p.canonical.Channels
	canonFrames := frames
	if native.SampleRate != p.canonical.SampleRate {
		canonFrames = int(float64(frames) * float64(p.canonical.SampleRate) / float64(native.SampleRate))
	}
	canonN := canonFrames * canonCh
	if canonN == 0 {
		return
	}
	p.micCanon = ensureFloat(p.micCanon, canonN)
	written := dsp.Resample(p.micFloat[:nativeN], native, p.micCanon, p.canonical)
	canonN = written * canonCh
	p.micCanon = p.micCanon[:canonN]

	micGain := float32(p.micGain.Load())

	if p.micMeter.Count == 0 && p.micMeter.LastEmit.IsZero() {
		p.micMeter.Reset(now)
	}
	p.micMetered = ensureFloat(p.micMetered, canonN)
	for i, v := range p.micCanon {
		p.micMetered[i] = v * micGain
	}
	p.micMeter.Accumulate(p.micMetered)
	if p.micMeter.Due(now, meterWindow) {
		p.bus.PublishLevel(events.LevelChanged{
			Source:  events.SourceMic,
			RMS:     p.micMeter.RMS(),
			Peak:    p.micMeter.Peak,
			Clipped: p.micMeter.Clipped,
			At:      now,
		})
		p.micMeter.Reset(now)
	}

	lastTick := p.lastLoopbackTick.Load()
	silent := time.Duration(now.UnixNano()-lastTick) > loopbackSilenceAfter

	if silent {
		p.ring.Clear()
	} else {
		p.ring.Push(p.micCanon)
	}

	pool := p.pool.Load()
	writer := p.writer.Load()
	if pool == nil || writer == nil {
		return
	}

	// Mic write: the raw, pre-gain canonical mic signal — micGain is
	// applied only on the mix path, so -mic.wav is the mic converted to
	// canonical format and nothing more.
	p.micOut = ensureBytes(p.micOut, canonN*2)
	dsp.QuantizeDither16(p.micCanon, p.micOut)
	micBuf := pool.Get(canonN * 2)
	copy(micBuf.Bytes(), p.micOut)
	writer.TryEnqueue(diskwriter.Job{Target: diskwriter.TargetMic, Buf: micBuf})

	if !silent {
		return
	}

	// Mic-driven fallback: while loopback is silent, synthesize an
	// equal-length zero System block and a mic-only Mix block so the
	// three output files stay aligned.
	p.micZeroOut = ensureBytes(p.micZeroOut, canonN*2)
	for i := range p.micZeroOut {
		p.micZeroOut[i] = 0
	}
	sysBuf := pool.Get(canonN * 2)
	copy(sysBuf.Bytes(), p.micZeroOut)
	writer.TryEnqueue(diskwriter.Job{Target: diskwriter.TargetSystem, Buf: sysBuf})

	p.micMixFloat = ensureFloat(p.micMixFloat, canonN)
	for i, v := range p.micCanon {
		p.micMixFloat[i] = dsp.SoftClipSample(0.5 * v * micGain)
	}

	switch p.mixBitDepth {
	case Mix16Bit:
		p.micMixOut = ensureBytes(p.micMixOut, canonN*2)
		dsp.QuantizeDither16(p.micMixFloat, p.micMixOut)
	default:
		p.micMixOut = ensureBytes(p.micMixOut, canonN*4)
		dsp.Quantize32(p.micMixFloat, p.micMixOut)
	}
	mixBuf := pool.Get(len(p.micMixOut))
	copy(mixBuf.Bytes(), p.micMixOut)
	writer.TryEnqueue(diskwriter.Job{Target: diskwriter.TargetMix, Buf: mixBuf})
}
