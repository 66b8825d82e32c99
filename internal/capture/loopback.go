package capture

import (
	"time"

	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/dsp"
	"github.com/audiolibrelab/duetcapture/internal/events"
)

// onLoopbackData is invoked by malgo when a block of system-audio
// bytes is available. It never blocks, allocates on the steady-state
// path, or performs file I/O directly; writes go through the disk
// writer's non-blocking queue.
func (p *Pipeline) onLoopbackData(_, input []byte, framecount uint32) {
	now := time.Now()
	p.lastLoopbackTick.Store(now.UnixNano())

	ch := p.canonical.Channels
	n := int(framecount) * ch
	bytesPerFrame := ch * 4 // canonical wire format is float32
	frames := len(input) / bytesPerFrame
	if frames < int(framecount) {
		n = frames * ch
	}
	if n == 0 {
		return
	}

	p.loopFloat = ensureFloat(p.loopFloat, n)
	decodeF32LE(input[:n*4], p.loopFloat)

	loopGain := float32(p.loopGain.Load())

	// Metering folds a post-gain copy; the loop signal itself is
	// mixed pre-clip below, so metering never mutates loopFloat.
	if p.systemMeter.Count == 0 && p.systemMeter.LastEmit.IsZero() {
		p.systemMeter.Reset(now)
	}
	p.loopSys = ensureFloat(p.loopSys, n)
	for i, v := range p.loopFloat {
		p.loopSys[i] = v * loopGain
	}
	p.systemMeter.Accumulate(p.loopSys)
	if p.systemMeter.Due(now, meterWindow) {
		p.bus.PublishLevel(events.LevelChanged{
			Source:  events.SourceSystem,
			RMS:     p.systemMeter.RMS(),
			Peak:    p.systemMeter.Peak,
			Clipped: p.systemMeter.Clipped,
			At:      now,
		})
		p.systemMeter.Reset(now)
	}

	pool := p.pool.Load()
	writer := p.writer.Load()

	// System write: quantize the raw, pre-gain system signal — loopGain
	// is applied only on the mix path below, so -system.wav stays a
	// faithful capture of what the OS handed us. Skipped entirely while
	// only monitoring (pool/writer unset).
	if pool != nil && writer != nil {
		p.loopSysOut = ensureBytes(p.loopSysOut, n*2)
		dsp.QuantizeDither16(p.loopFloat, p.loopSysOut)
		sysBuf := pool.Get(n * 2)
		copy(sysBuf.Bytes(), p.loopSysOut)
		writer.TryEnqueue(diskwriter.Job{Target: diskwriter.TargetSystem, Buf: sysBuf})
	}

	// Mic alignment: pop exactly n samples from the ring under its own
	// short exclusion; zero-fill and count an underrun on shortfall.
	p.loopMic = ensureFloat(p.loopMic, n)
	got := p.ring.Pop(p.loopMic)
	if got < n {
		for i := got; i < n; i++ {
			p.loopMic[i] = 0
		}
		p.counters.Underruns.Add(1)
	}
	if backlog := int64(p.ring.Backlog()); backlog > p.counters.PeakRingBl.Load() {
		p.counters.PeakRingBl.Store(backlog)
	}

	micGain := float32(p.micGain.Load())
	p.loopMix = ensureFloat(p.loopMix, n)
	for i := 0; i < n; i++ {
		p.loopMix[i] = dsp.SoftClipSample(0.5 * (p.loopFloat[i]*loopGain + p.loopMic[i]*micGain))
	}

	if pool != nil && writer != nil {
		switch p.mixBitDepth {
		case Mix16Bit:
			p.loopMixOut = ensureBytes(p.loopMixOut, n*2)
			dsp.QuantizeDither16(p.loopMix, p.loopMixOut)
		default:
			p.loopMixOut = ensureBytes(p.loopMixOut, n*4)
			dsp.Quantize32(p.loopMix, p.loopMixOut)
		}
		mixBuf := pool.Get(len(p.loopMixOut))
		copy(mixBuf.Bytes(), p.loopMixOut)
		writer.TryEnqueue(diskwriter.Job{Target: diskwriter.TargetMix, Buf: mixBuf})
	}

	if blocks := p.loopbackBlocks.Add(1); blocks%diagLogEveryNBlocks == 0 {
		queueLen := 0
		if writer != nil {
			queueLen = writer.QueueLen()
		}
		p.log.Debug("loopback diagnostics",
			"ring_backlog", p.ring.Backlog(),
			"peak_ring_backlog", p.counters.PeakRingBl.Load(),
			"underruns", p.counters.Underruns.Load(),
			"writer_queue_len", queueLen,
		)
	}
}
